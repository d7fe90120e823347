package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livefir/lvtclient"
	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/metrics"
	"github.com/livefir/lvtclient/internal/transport"
)

// ConnectOptions holds flags for the connect command
type ConnectOptions struct {
	*RootOptions
	URL         string
	Document    string
	Scope       string
	Element     string
	MetricsAddr string
	Duration    time.Duration
	Minify      bool
}

// NewConnectCommand attaches an engine to a live server connection
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Apply diffs from a live server",
		Long: `Connect dials a websocket endpoint and applies every diff and
acknowledgement it receives to the given document, exactly as a browser page
would. It runs until interrupted, the server closes the connection, or the root
scope desynchronizes.

With --metrics-addr the engine counters are served in Prometheus format.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "websocket URL (required)")
	cmd.Flags().StringVar(&opts.Document, "document", "", "HTML file of the initial page (required)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "root", "root scope id")
	cmd.Flags().StringVar(&opts.Element, "element", "", "id of the root element (required)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "disconnect after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.Minify, "minify", false, "minify the printed markup")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("element")

	return cmd
}

func runConnect(cmd *cobra.Command, opts *ConnectOptions) error {
	src, err := os.ReadFile(opts.Document)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := dom.Parse(string(src))
	if err != nil {
		return err
	}
	root := doc.ByID(opts.Element)
	if root == nil {
		return fmt.Errorf("root element #%s not found", opts.Element)
	}

	config := lvtclient.DefaultConfig()
	if opts.ConfigPath != "" {
		if config, err = lvtclient.LoadConfig(opts.ConfigPath); err != nil {
			return err
		}
	}
	logger := opts.logger(cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	client, err := transport.Dial(ctx, opts.URL,
		transport.WithLogger(logger),
		transport.StopOn(func(err error) bool { return errors.Is(err, lvtclient.ErrFatal) }),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	collector := metrics.NewCollector()
	engine, err := lvtclient.New(doc,
		lvtclient.WithConfig(config),
		lvtclient.WithLogger(logger.With("connection", client.ID())),
		lvtclient.WithSender(client),
		lvtclient.WithMetrics(collector),
		lvtclient.OnDesync(func(scopeID string, err error) {
			logger.Warn("scope desynchronized", "scope", scopeID, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	if _, err := engine.MountRoot(opts.Scope, root); err != nil {
		return err
	}

	var srv *server
	if opts.MetricsAddr != "" {
		if srv, err = metricsServer(opts.MetricsAddr, collector); err != nil {
			return err
		}
	}

	// a clean close by the server also stops the metrics server
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		err := client.Run(gctx, engine)
		engine.Disconnect()
		return err
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	markup := dom.Render(root)
	if opts.Minify {
		markup = minifyHTML(markup)
	}
	out := cmd.OutOrStdout()
	if opts.Format == "text" {
		fmt.Fprintln(out, markup)
	}
	summary := Summary{
		Name:    opts.URL,
		Scopes:  engine.Scopes(),
		Metrics: collector.GetMetrics(),
	}
	if err := writeSummary(out, opts.Format, summary); err != nil {
		return err
	}
	return runErr
}

type server struct {
	*http.Server
	listener net.Listener
}

func metricsServer(addr string, c *metrics.Collector) (*server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewExporter(c)); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &server{
		Server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}, nil
}
