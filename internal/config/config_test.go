package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  worker_port: "8080"
  metrics_port: "9090"

statistics:
  window_days: 30
  decay_half_life_days: 7
  min_data_points: 5
  default_success_chance: 0.5

scoring:
  first_run_bonus: 100

assignment:
  min_lease: 10m
  max_lease: 24h

ingestion:
  transient_penalty: 100
  cooldown: 300s

database:
  dsn: "postgres://scheduler@localhost/scheduler"

logging:
  level: "info"
  format: "json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Server.WorkerPort).To(Equal("8080"))
				Expect(config.Server.MetricsPort).To(Equal("9090"))

				Expect(config.Statistics.WindowDays).To(Equal(30))
				Expect(config.Statistics.DecayHalfLifeDays).To(Equal(7.0))
				Expect(config.Statistics.MinDataPoints).To(Equal(5))
				Expect(config.Statistics.DefaultSuccessChance).To(Equal(0.5))

				Expect(config.Scoring.FirstRunBonus).To(Equal(100.0))

				Expect(config.Assignment.MinLease).To(Equal(10 * time.Minute))
				Expect(config.Assignment.MaxLease).To(Equal(24 * time.Hour))

				Expect(config.Ingestion.TransientPenalty).To(Equal(100))
				Expect(config.Ingestion.Cooldown).To(Equal(300 * time.Second))

				Expect(config.Database.DSN).To(Equal("postgres://scheduler@localhost/scheduler"))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  worker_port: "3000"
database:
  dsn: "postgres://scheduler@localhost/scheduler"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.WorkerPort).To(Equal("3000"))
				Expect(config.Statistics.WindowDays).To(Equal(30))
				Expect(config.Statistics.MinDataPoints).To(Equal(5))
				Expect(config.Assignment.MinLease).To(Equal(10 * time.Minute))
				Expect(config.Ingestion.Cooldown).To(Equal(300 * time.Second))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  worker_port: "8080"
  invalid_yaml: [
database:
  dsn: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
server:
  worker_port: "8080"
database:
  dsn: "test"
assignment:
  min_lease: "not-a-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = defaultConfig()
			config.Database.DSN = "postgres://scheduler@localhost/scheduler"
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(config)).NotTo(HaveOccurred())
			})
		})

		Context("when database DSN is missing", func() {
			BeforeEach(func() {
				config.Database.DSN = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database DSN is required"))
			})
		})

		Context("when statistics window_days is zero", func() {
			BeforeEach(func() {
				config.Statistics.WindowDays = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("window_days must be greater than 0"))
			})
		})

		Context("when default success chance is out of range", func() {
			BeforeEach(func() {
				config.Statistics.DefaultSuccessChance = 1.5
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("default_success_chance must be between 0.0 and 1.0"))
			})
		})

		Context("when max_lease is below min_lease", func() {
			BeforeEach(func() {
				config.Assignment.MinLease = time.Hour
				config.Assignment.MaxLease = 30 * time.Minute
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_lease must be greater than or equal to min_lease"))
			})
		})

		Context("when rate limit initial cap is zero", func() {
			BeforeEach(func() {
				config.RateLimit.InitialCap = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("initial_cap must be greater than 0"))
			})
		})

		Context("when ingestion cooldown is negative", func() {
			BeforeEach(func() {
				config.Ingestion.Cooldown = -1 * time.Second
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("cooldown must not be negative"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = defaultConfig()
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("SCHEDULER_WORKER_PORT", "3000")
				os.Setenv("SCHEDULER_METRICS_PORT", "9999")
				os.Setenv("SCHEDULER_LOG_LEVEL", "debug")
				os.Setenv("SCHEDULER_DATABASE_DSN", "postgres://test/scheduler")
				os.Setenv("SCHEDULER_WINDOW_DAYS", "14")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.WorkerPort).To(Equal("3000"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Database.DSN).To(Equal("postgres://test/scheduler"))
				Expect(config.Statistics.WindowDays).To(Equal(14))
			})
		})

		Context("when window days is not a valid integer", func() {
			BeforeEach(func() {
				os.Setenv("SCHEDULER_WINDOW_DAYS", "not-a-number")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should return an error", func() {
				err := loadFromEnv(config)
				Expect(err).To(HaveOccurred())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				original := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(original))
			})
		})
	})
})
