// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/prodvision/aoid/internal/config"
	"github.com/prodvision/aoid/internal/log"
)

// PerformStartupChecks validates the environment before the server
// starts taking traffic.
func PerformStartupChecks(_ context.Context, cfg *config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataRoot(logger, cfg.Root); err != nil {
		return fmt.Errorf("data root check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.Host, cfg.Port); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkLinkerURL(logger, cfg.LinkerURL); err != nil {
		return fmt.Errorf("linker url check failed: %w", err)
	}
	if err := checkModelPath(logger, cfg.ModelPath); err != nil {
		return fmt.Errorf("model path check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataRoot(logger *zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(probe)

	logger.Info().Str("path", path).Msg("data root is writable")
	return nil
}

func checkListenAddr(logger *zerolog.Logger, host string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkLinkerURL(logger *zerolog.Logger, raw string) error {
	if raw == "" {
		logger.Warn().Msg("linker url not configured; barcodes are reported raw")
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid linker url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("linker url scheme must be http or https, got %q", u.Scheme)
	}
	logger.Info().Str("url", raw).Msg("linker url is valid")
	return nil
}

func checkModelPath(logger *zerolog.Logger, path string) error {
	if path == "" {
		logger.Warn().Msg("model path not configured; mobilenet comparisons will report DEP_MISSING")
		return nil
	}
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config; verifying readability is expected
	if err != nil {
		return fmt.Errorf("model file not readable: %w", err)
	}
	return f.Close()
}
