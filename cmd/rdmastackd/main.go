package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/clusterfs/rdmastack/internal/config"
	"github.com/clusterfs/rdmastack/internal/rdma"
	"github.com/clusterfs/rdmastack/internal/telemetry"
)

// pollBatch is how many completion entries one drain call requests.
const pollBatch = 32

func main() {
	flagSet := pflag.NewFlagSet("rdmastackd", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rdmastackd v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		hostname, _ := os.Hostname()
		provider, err := telemetry.Setup(ctx, hostname, cfg.OtelCollectorAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize telemetry")
		}
		defer provider.Shutdown(context.Background())
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("rdmastackd failed")
	}
}

// run brings one device up and drains completions until ctx is cancelled.
// Every SetupError that escapes the rdma core is unrecoverable at this
// level; main turns it into a fatal exit.
func run(ctx context.Context, cfg *config.Config) error {
	devices, err := rdma.NewDeviceList(cfg, rdma.SystemVerbs())
	if err != nil {
		return err
	}
	defer devices.Close()

	device := devices.GetDevice(cfg.DeviceName)
	if device == nil {
		return fmt.Errorf("rdma device %q not found", cfg.DeviceName)
	}

	if err := device.BindPort(cfg.PortNum); err != nil {
		return err
	}
	if err := device.Init(); err != nil {
		return err
	}
	defer device.Uninit()

	log.Info().
		Str("device", device.Name()).
		Uint8("port", device.ActivePort().Num).
		Uint32("max_send_wr", device.MaxSendWR()).
		Uint32("max_recv_wr", device.MaxRecvWR()).
		Msg("Device ready, entering completion loop")

	wc := make([]rdma.WorkCompletion, pollBatch)
	for {
		// Drain both directions across all devices before sleeping again.
		for {
			d, n, err := devices.PollTx(wc)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			logCompletions(d, "tx", wc[:n])
		}
		for {
			d, n, err := devices.PollRx(wc)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			logCompletions(d, "rx", wc[:n])
		}

		if err := devices.RearmNotify(); err != nil {
			return err
		}

		if _, err := devices.PollBlocking(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Shutting down")
				return nil
			}
			return err
		}
	}
}

func logCompletions(d *rdma.Device, dir string, wc []rdma.WorkCompletion) {
	for _, c := range wc {
		ev := log.Debug().Str("device", d.Name()).Str("dir", dir).
			Uint64("wr_id", c.WRID).Uint32("byte_len", c.ByteLen).Uint32("qp_num", c.QPNum)
		if c.Status != rdma.WCSuccess {
			ev = log.Warn().Str("device", d.Name()).Str("dir", dir).
				Uint64("wr_id", c.WRID).Uint32("status", c.Status).Uint32("vendor_err", c.VendorErr)
		}
		ev.Msg("Work completion")
	}
}
