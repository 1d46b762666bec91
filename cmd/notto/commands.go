package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/gateway"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command bridge and background sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context())
		},
	}
}

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> [json-payload]",
		Short: "Run one command and print its JSON result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("{}")
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			return runCommand(cmd.Context(), cmd, args[0], payload)
		},
	}
}

func newCommandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List the command names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range gateway.Commands() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func runCommand(ctx context.Context, cmd *cobra.Command, name string, payload json.RawMessage) error {
	installation, err := openCore()
	if err != nil {
		return err
	}
	defer installation.close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	result, err := installation.gateway.Dispatch(ctx, name, payload)
	if err != nil {
		failure := gateway.Translate(err)
		if encodeErr := encoder.Encode(failure); encodeErr != nil {
			return encodeErr
		}
		return fmt.Errorf("%s: %s", failure.Code, failure.Message)
	}
	return encoder.Encode(map[string]any{"result": result})
}

func runBridge(ctx context.Context) error {
	installation, err := openCore()
	if err != nil {
		return err
	}
	defer installation.close()
	logger := installation.logger

	if err := installation.manager.Restore(ctx); err != nil {
		logger.Warn("failed to restore background sync", zap.Error(err))
	}

	handler, err := gateway.NewBridge(installation.gateway, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              installation.config.BridgeAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge starting", zap.String("address", installation.config.BridgeAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
