// Package telemetry wires the OpenTelemetry meter provider the rdma core's
// instruments record into. The core itself never depends on this package;
// without it, the instruments are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider owns the meter provider and its exporter.
type Provider struct {
	provider *sdkmetric.MeterProvider
}

// Setup builds an OTLP exporter for collectorAddr (scheme grpc, grpcs,
// http or https; schemeless addresses default to grpc) and registers the
// resulting meter provider globally.
func Setup(ctx context.Context, instanceID, collectorAddr string) (*Provider, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr %q: %w", collectorAddr, err)
	}

	endpoint := parsedURL.Host
	if endpoint == "" {
		// Schemeless host:port addresses parse into Opaque or Path.
		switch {
		case parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/"):
			endpoint = parsedURL.Opaque
		case parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/"):
			endpoint = parsedURL.Path
		default:
			return nil, fmt.Errorf("otel-collector-addr %q is missing a host", collectorAddr)
		}
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdmastackd"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
		)
	default:
		return nil, fmt.Errorf("unsupported OTLP scheme %q in %s (use grpc, grpcs, http or https)", parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		),
	)
	otel.SetMeterProvider(provider)

	log.Info().
		Str("instance_id", instanceID).
		Str("collector_addr", collectorAddr).
		Msg("OpenTelemetry metrics initialized")

	return &Provider{provider: provider}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
