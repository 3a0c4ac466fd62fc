package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/USA-RedDragon/rpc-gateway/internal/config"
	"github.com/USA-RedDragon/rpc-gateway/internal/gateway"
	"github.com/USA-RedDragon/rpc-gateway/internal/metrics"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"golang.org/x/sync/errgroup"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rpc-gateway",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)
	cmd.Flags().String("call", "", "Issue a single RPC call and print the result")
	cmd.Flags().String("params", "", "JSON params for --call")
	cmd.Flags().String("listen", "", "Subscribe to an event and print notifications")
	return cmd
}

const readHeaderTimeout = 120 * time.Second

func run(cmd *cobra.Command, _ []string) error {
	slog.Info("rpc-gateway", "version", cmd.Annotations["version"], "commit", cmd.Annotations["commit"])

	config, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	gw := gateway.Instance()

	var metricsIPV4Server *http.Server
	var metricsIPV6Server *http.Server
	if config.Metrics.Enabled {
		gw.SetMetrics(metrics.NewMetrics())

		gin.SetMode(gin.ReleaseMode)
		metricsRouter := gin.New()
		pprof.Register(metricsRouter)
		metricsRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
		metricsIPV4Server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.Metrics.IPV4Host, config.Metrics.Port),
			ReadHeaderTimeout: readHeaderTimeout,
			Handler:           metricsRouter,
		}
		metricsIPV6Server = &http.Server{
			Addr:              fmt.Sprintf("[%s]:%d", config.Metrics.IPV6Host, config.Metrics.Port),
			ReadHeaderTimeout: readHeaderTimeout,
			Handler:           metricsRouter,
		}
		go func() {
			if err := metricsIPV4Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		go func() {
			if err := metricsIPV6Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	err = gw.Connect(config, func(connected bool, err error) {
		if err != nil {
			slog.Warn("Connection change", "connected", connected, "error", err)
			return
		}
		slog.Info("Connection change", "connected", connected)
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	slog.Info("Gateway connected")

	call, err := cmd.Flags().GetString("call")
	if err != nil {
		return fmt.Errorf("failed to get call flag: %w", err)
	}
	if call != "" {
		params, err := cmd.Flags().GetString("params")
		if err != nil {
			return fmt.Errorf("failed to get params flag: %w", err)
		}
		result, err := gw.Request(call, json.RawMessage(params))
		if err != nil {
			_ = gw.Disconnect()
			return fmt.Errorf("call failed: %w", err)
		}
		fmt.Println(string(result))
		return gw.Disconnect()
	}

	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}
	if listen != "" {
		err = gw.Subscribe(listen, func(_ any, params json.RawMessage) {
			fmt.Println(string(params))
		}, nil)
		if err != nil {
			_ = gw.Disconnect()
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		slog.Info("Listening", "event", listen)
	}

	stop := func(_ os.Signal) {
		slog.Info("Shutting down")

		errGrp := errgroup.Group{}

		errGrp.Go(func() error {
			return gw.Disconnect()
		})

		if metricsIPV4Server != nil {
			errGrp.Go(func() error {
				return metricsIPV4Server.Close()
			})
		}
		if metricsIPV6Server != nil {
			errGrp.Go(func() error {
				return metricsIPV6Server.Close()
			})
		}

		err := errGrp.Wait()
		if err != nil {
			slog.Error("Shutdown error", "error", err.Error())
		}
		slog.Info("Shutdown complete")
	}

	if cmd.Annotations["version"] == "testing" {
		doneChannel := make(chan struct{})
		go func() {
			slog.Info("Sleeping for 5 seconds")
			time.Sleep(5 * time.Second)
			slog.Info("Sending SIGTERM")
			stop(syscall.SIGTERM)
			doneChannel <- struct{}{}
		}()
		<-doneChannel
	} else {
		shutdown.AddWithParam(stop)
		shutdown.Listen(syscall.SIGINT, syscall.SIGKILL, syscall.SIGTERM, syscall.SIGQUIT)
	}

	return nil
}
