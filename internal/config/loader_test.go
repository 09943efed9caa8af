package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.DedupeTTL, convey.ShouldEqual, 24*time.Hour)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("RACEPULSE_ADDR", ":8080")
			_ = os.Setenv("RACEPULSE_QUEUE_SIZE", "500")
			_ = os.Setenv("RACEPULSE_DEDUPE_TTL", "2h")
			_ = os.Setenv("RACEPULSE_PUSH_SILENT", "true")
			_ = os.Setenv("RACEPULSE_API_KEY", "secret")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 500)
				convey.So(cfg.DedupeTTL, convey.ShouldEqual, 2*time.Hour)
				convey.So(cfg.PushSilent, convey.ShouldBeTrue)
				convey.So(cfg.APIKey, convey.ShouldEqual, "secret")
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			yamlContent := `
addr: ":9090"
queue_size: 3000
worker_count: 24
store_driver: sqlite
sqlite_path: /tmp/racepulse-test.db
reconnect_max_attempts: 4
stale_warning_after: 1m
stale_error_after: 2m
stale_critical_after: 3m
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("RACEPULSE_CONFIG", tmpFile)
			_ = os.Setenv("RACEPULSE_WORKER_COUNT", "32")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 3000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.StoreSQLite)
				convey.So(cfg.ReconnectMaxAttempts, convey.ShouldEqual, 4)
				convey.So(cfg.StaleCriticalAfter, convey.ShouldEqual, 3*time.Minute)
				convey.So(cfg.DedupeTTL, convey.ShouldEqual, 24*time.Hour)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("RACEPULSE_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("RACEPULSE_CONFIG", "/non/existent/file.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.So(err, convey.ShouldNotBeNil)
			convey.So(cfg, convey.ShouldBeNil)
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("RACEPULSE_ADDR", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func clearConfigEnvVars() {
	for _, key := range []string{
		"RACEPULSE_CONFIG", "RACEPULSE_ADDR", "RACEPULSE_QUEUE_SIZE", "RACEPULSE_WORKER_COUNT",
		"RACEPULSE_DEDUPE_TTL", "RACEPULSE_PUSH_SILENT", "RACEPULSE_API_KEY",
	} {
		_ = os.Unsetenv(key)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "racepulse-config-*.yaml")
	if err != nil {
		panic(err)
	}
	defer func() { _ = tmpFile.Close() }()

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}
	return tmpFile.Name()
}
