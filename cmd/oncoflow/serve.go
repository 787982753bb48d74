package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"oncoflow/internal/app"
	"oncoflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logger()
			rt, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Backend:   viper.GetString("backend"),
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			srvCfg := rt.Config.Server
			if addr != "" {
				srvCfg.Addr = addr
			}
			if basePath != "" {
				srvCfg.BasePath = basePath
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				srvCfg.JWTSecret = secret
			}
			if srvCfg.JWTSecret == "" && !srvCfg.AllowActorHeaders {
				return errors.New("no way to authenticate: set ONCOFLOW_JWT_SECRET or server.allow_actor_headers")
			}

			cfg := server.Config{
				Engine:     rt.Engine,
				Dispatcher: rt.Dispatcher,
				Feed:       rt.Feed,
				Metrics:    rt.Metrics,
				BasePath:   srvCfg.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:         srvCfg.JWTSecret,
					AllowActorHeaders: srvCfg.AllowActorHeaders,
					Logger:            log,
				},
			}
			if rt.Repo != nil {
				cfg.Keys = rt.Repo
			}
			handler, err := server.New(cfg)
			if err != nil {
				return err
			}

			dispatchDone := make(chan struct{})
			go func() {
				defer close(dispatchDone)
				if err := rt.Dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("dispatcher stopped", "error", err)
				}
			}()

			srv := &http.Server{Addr: srvCfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving oncoflow API", "addr", srvCfg.Addr, "base_path", srvCfg.BasePath, "backend", rt.Config.Storage.Backend)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-dispatchDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
