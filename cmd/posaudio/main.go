package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AbsentLight/TS3-PosAudio-Plugin/pkg/posaudio"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	verbose  bool
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "posaudio",
		Short: "Positional audio sync engine",
		Long:  "Synchronizes member positions from a position server into a voice client's 3D audio",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			posaudio.SetGlobalLogger(newLogger())
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARNING, ERROR)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(volumeCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(setupCmd())

	if err := rootCmd.Execute(); err != nil {
		posaudio.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func newLogger() *posaudio.Logger {
	lc := posaudio.DefaultLogConfig()
	level := logLevel
	if level == "" {
		level = os.Getenv("POSAUDIO_LOG_LEVEL")
	}
	if l, ok := posaudio.ParseLogLevel(level); ok {
		lc.Level = l
	}
	if verbose {
		lc.Level = posaudio.DebugLevel
	}
	return posaudio.NewLogger(lc)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var endpoint, secret string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine against the host bridge",
		Long:  "Dial the voice client's bridge and keep positions in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := posaudio.NewConfig()
			if endpoint != "" {
				cfg.BridgeEndpoint = endpoint
			}
			if secret != "" {
				cfg.BridgeSecret = secret
			}
			if issues := cfg.Validate(); len(issues) > 0 {
				return fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
			}

			logger := posaudio.GetGlobalLogger()
			ctx, stop := signalContext()
			defer stop()

			bridge, err := posaudio.DialBridge(ctx, cfg, logger)
			if err != nil {
				return err
			}
			router := posaudio.NewEventRouter(bridge, &posaudio.RouterOptions{Config: cfg, Logger: logger})
			router.AddStateHandler(func(conn posaudio.ConnectionID, state posaudio.SyncState) {
				logger.WithConnection(conn).WithField("state", string(state)).Info("Sync state changed")
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return bridge.Run(gctx, router)
			})
			g.Go(func() error {
				<-gctx.Done()
				router.Close()
				return bridge.Close()
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Shut down")
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Bridge websocket endpoint")
	cmd.Flags().StringVar(&secret, "secret", "", "Bridge signing secret")
	return cmd
}

func simulateCmd() *cobra.Command {
	var (
		description string
		local       string
		members     []string
		duration    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the engine against an in-memory channel",
		Long:  "Poll a real position server for a simulated channel and print the applied positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			const (
				conn    posaudio.ConnectionID = 1
				channel posaudio.ChannelID    = 1
			)

			cfg := posaudio.NewConfig()
			logger := posaudio.GetGlobalLogger()

			host := posaudio.NewMemoryHost()
			host.AddConnection(conn, 1, local, channel)
			host.SetChannelDescription(conn, channel, description)
			for i, identity := range members {
				host.AddMember(conn, posaudio.MemberID(i+2), identity, channel)
			}

			router := posaudio.NewEventRouter(host, &posaudio.RouterOptions{Config: cfg, Logger: logger})
			defer router.Close()
			router.HandleConnected(conn)
			fmt.Printf("Channel config: %s (state %s)\n", router.RemoteConfig(conn), router.State(conn))

			ctx, stop := signalContext()
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					printPositions(host, conn, len(members))
				}
			}
		},
	}

	cmd.Flags().StringVar(&description, "description", "|127.0.0.1|9000|", "Channel description")
	cmd.Flags().StringVar(&local, "local", "local", "Identity of the local member")
	cmd.Flags().StringSliceVar(&members, "members", []string{"alice", "bob"}, "Identities of the other members")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}

func printPositions(host *posaudio.MemoryHost, conn posaudio.ConnectionID, n int) {
	listener, _ := host.Listener(conn)
	if listener.Valid {
		fmt.Printf("listener forward %s\n", listener.Forward)
	}
	for i := 0; i < n; i++ {
		member := posaudio.MemberID(i + 2)
		pos, ok := host.Position(conn, member)
		if !ok {
			fmt.Printf("  member %d: not placed\n", member)
			continue
		}
		fmt.Printf("  member %d: %s\n", member, pos)
	}
}

func parseCmd() *cobra.Command {
	var defaultPort string

	cmd := &cobra.Command{
		Use:   "parse [description]",
		Short: "Parse a channel description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := posaudio.ParseChannelDescription(args[0], defaultPort)
			if err != nil {
				return err
			}
			fmt.Printf("Host: %s\n", rc.Host)
			fmt.Printf("Port: %s\n", rc.Port)
			fmt.Printf("Base URL: %s\n", rc.BaseURL())
			return nil
		},
	}

	cmd.Flags().StringVar(&defaultPort, "default-port", posaudio.DefaultServerPort, "Port used when the description has none")
	return cmd
}

func volumeCmd() *cobra.Command {
	var offset, cutoff, coefficient float64

	cmd := &cobra.Command{
		Use:   "volume [distance...]",
		Short: "Print rolloff volumes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if coefficient <= 0 {
				return fmt.Errorf("coefficient must be positive, got %g", coefficient)
			}
			for _, arg := range args {
				d, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("invalid distance %q: %w", arg, err)
				}
				fmt.Printf("%8.2f -> %.4f\n", d, posaudio.Volume(d, offset, cutoff, 1/coefficient))
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&offset, "offset", posaudio.DefaultSafeZone, "Safe zone size")
	cmd.Flags().Float64Var(&cutoff, "cutoff", posaudio.DefaultCutoff, "Cutoff distance")
	cmd.Flags().Float64Var(&coefficient, "coefficient", posaudio.DefaultRawAttenuation, "Attenuation coefficient as served by /config")
	return cmd
}

func fetchCmd() *cobra.Command {
	var host, port string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Query a position server once",
	}
	cmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "Position server host")
	cmd.PersistentFlags().StringVar(&port, "port", posaudio.DefaultServerPort, "Position server port")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", posaudio.DefaultHTTPTimeout, "Request timeout")

	client := func() *posaudio.APIClient {
		rc := posaudio.RemoteConfig{Host: host, Port: port, Present: true}
		return posaudio.NewAPIClientForConfig(rc, timeout, nil)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Fetch /config",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := client().FetchConfig(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Cutoff Distance: %g\n", rt.CutoffDistance)
			fmt.Printf("Attenuation Coefficient: %g\n", rt.AttenuationCoefficient)
			fmt.Printf("Safe Zone Size: %g\n", rt.SafeZoneSize)
			fmt.Printf("Unregistered Can Broadcast: %t\n", rt.UnregisteredCanBroadcast)
			return nil
		},
	})

	var identity string
	positions := &cobra.Command{
		Use:   "positions",
		Short: "Fetch /request for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := client().FetchPositions(cmd.Context(), identity)
			if err != nil {
				return err
			}
			if snap.Empty() {
				fmt.Println("No positions known")
				return nil
			}
			ids := make([]string, 0, len(snap.Entries))
			for id := range snap.Entries {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				e := snap.Entries[id]
				switch e.Kind {
				case posaudio.EntryUnregistered:
					fmt.Printf("%s: unregistered\n", id)
				case posaudio.EntryOriented:
					fmt.Printf("%s: %s pitch %.3f yaw %.3f\n", id, e.HostPosition(), e.Pitch, e.Yaw)
				default:
					fmt.Printf("%s: %s\n", id, e.HostPosition())
				}
			}
			return nil
		},
	}
	positions.Flags().StringVar(&identity, "id", "", "Identity of the requesting member")
	_ = positions.MarkFlagRequired("id")
	cmd.AddCommand(positions)

	return cmd
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Setup and configuration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the effective configuration after .env and environment overrides",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := posaudio.NewConfig()
			cfg.PrintConfig()

			issues := cfg.Validate()
			if len(issues) == 0 {
				fmt.Println("\n✓ Configuration valid")
				return
			}
			fmt.Println("\nConfiguration issues:")
			for _, issue := range issues {
				fmt.Printf("  ✗ %s\n", issue)
			}
		},
	})

	return cmd
}
