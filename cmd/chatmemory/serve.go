package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/IMBotPlatform/ChatMemory/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		addr      string
		retrieval bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var searcher server.Searcher
			if retrieval {
				ix, err := a.newIndex(cmd.Context())
				if err != nil {
					return err
				}
				searcher = ix
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.NewRouter(server.NewHandler(a.svc, searcher, a.logger)),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      0, // streaming replies can take a while
				IdleTimeout:       120 * time.Second,
			}
			return runServer(cmd.Context(), srv, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("CHATMEMORY_ADDR", ":8080"), "listen address")
	cmd.Flags().BoolVar(&retrieval, "retrieval", true, "expose POST /v1/search")
	return cmd
}

// runServer 启动 HTTP 服务，ctx 结束后优雅关闭。
func runServer(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
