package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/wellness-monitor/internal/blink"
	"github.com/sweeney/wellness-monitor/internal/idle"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/posture"
	"github.com/sweeney/wellness-monitor/internal/retry"
	"github.com/sweeney/wellness-monitor/internal/scheduler"
	"github.com/sweeney/wellness-monitor/internal/session"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBroker           = "tcp://localhost:1883"
	DefaultClientID         = "wellness-monitor"
	DefaultLandmarkTopic    = "wellness/landmarks/frames"
	DefaultHTTPAddr         = ":8080"
	DefaultHeartbeat        = 15 * time.Minute
	DefaultTickInterval     = 10 * time.Millisecond
	DefaultEvaluateInterval = time.Second
	DefaultManualPause      = 30 * time.Minute
	DefaultGPIOChip         = "gpiochip0"
	DefaultPausePin         = 17
	DefaultButtonDebounce   = 50 * time.Millisecond
)

// Config is the full configuration tree. Fields map 1:1 to config.example.yaml.
type Config struct {
	Detection DetectionConfig `yaml:"detection"`
	Features  FeaturesConfig  `yaml:"features"`
	Blink     BlinkConfig     `yaml:"blink"`
	Posture   PostureConfig   `yaml:"posture"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Retry     RetryConfig     `yaml:"retry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Idle      IdleConfig      `yaml:"idle"`
	Pause     PauseConfig     `yaml:"pause"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	GPIO      GPIOConfig      `yaml:"gpio"`

	// Heartbeat is the interval between HEARTBEAT system events. 0 disables.
	Heartbeat time.Duration `yaml:"heartbeat" validate:"gte=0"`
}

// DetectionConfig controls whether and how fast frames are processed.
type DetectionConfig struct {
	// Enabled and Consent must both be true for detection to run.
	Enabled bool `yaml:"enabled"`
	Consent bool `yaml:"consent"`

	// FPSMode is one of: battery | balanced | accurate.
	FPSMode string `yaml:"fps_mode" validate:"oneof=battery balanced accurate"`

	// SkipFactor N processes one of every N admitted frames.
	SkipFactor int `yaml:"skip_factor" validate:"gte=1,lte=10"`

	// TickInterval is the poll period of the frame loop.
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0"`

	// MaxConsecutiveErrors escalates a run of frame failures to a runtime fault.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" validate:"gte=1"`
}

// FeaturesConfig enables individual extractors and policies.
type FeaturesConfig struct {
	Blink   bool `yaml:"blink"`
	Posture bool `yaml:"posture"`
}

// BlinkConfig holds blink detection thresholds.
type BlinkConfig struct {
	EARThreshold    float64       `yaml:"ear_threshold" validate:"gt=0,lt=1"`
	MinClosedFrames int           `yaml:"min_closed_frames" validate:"gte=1"`
	MinOpenFrames   int           `yaml:"min_open_frames" validate:"gte=1"`
	RateWindow      time.Duration `yaml:"rate_window" validate:"gt=0"`
}

// PostureConfig holds the posture scoring model.
type PostureConfig struct {
	Alpha          float64 `yaml:"alpha" validate:"gt=0,lte=1"`
	HeadSpanDeg    float64 `yaml:"head_span_deg" validate:"gt=0"`
	ShoulderSpan   float64 `yaml:"shoulder_span" validate:"gt=0"`
	HeadWeight     float64 `yaml:"head_weight" validate:"gte=0"`
	ShoulderWeight float64 `yaml:"shoulder_weight" validate:"gte=0"`
}

// ThrottleConfig holds the CPU throttling thresholds.
type ThrottleConfig struct {
	CPUThreshold    float64       `yaml:"cpu_threshold" validate:"gt=0,lte=100"`
	MonitorDuration time.Duration `yaml:"monitor_duration" validate:"gt=0"`
	MinFPS          float64       `yaml:"min_fps" validate:"gt=0"`
}

// RetryConfig holds fault recovery backoff.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gt=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
}

// PolicyConfig holds notification policy settings.
type PolicyConfig struct {
	EvaluateInterval time.Duration       `yaml:"evaluate_interval" validate:"gt=0"`
	Blink            BlinkPolicyConfig   `yaml:"blink"`
	Posture          PosturePolicyConfig `yaml:"posture"`
}

// BlinkPolicyConfig holds the low-blink-rate notification thresholds.
type BlinkPolicyConfig struct {
	ThresholdBPM float64       `yaml:"threshold_bpm" validate:"gt=0"`
	Duration     time.Duration `yaml:"duration" validate:"gt=0"`
	Cooldown     time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// PosturePolicyConfig holds the poor-posture notification thresholds.
type PosturePolicyConfig struct {
	ScoreThreshold       float64       `yaml:"score_threshold" validate:"gt=0,lte=100"`
	MinDuration          time.Duration `yaml:"min_duration" validate:"gt=0"`
	Cooldown             time.Duration `yaml:"cooldown" validate:"gte=0"`
	ImprovementThreshold float64       `yaml:"improvement_threshold" validate:"gte=0"`
}

// IdleConfig controls the automatic pause when nobody is present.
type IdleConfig struct {
	// ThresholdMinutes without presence counts as idle. 0 disables.
	ThresholdMinutes int           `yaml:"threshold_minutes" validate:"gte=0"`
	PauseDuration    time.Duration `yaml:"pause_duration" validate:"gt=0"`
}

// PauseConfig controls manual pauses.
type PauseConfig struct {
	// ManualDuration is the pause length used by the button and by
	// /pause without a minutes parameter.
	ManualDuration time.Duration `yaml:"manual_duration" validate:"gt=0"`
}

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" validate:"required"`
	ClientID      string `yaml:"client_id" validate:"required"`
	LandmarkTopic string `yaml:"landmark_topic" validate:"required"`
}

// HTTPConfig holds the status server address. Empty disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// GPIOConfig holds the hardware pause button line.
type GPIOConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Chip     string        `yaml:"chip" validate:"required_if=Enabled true"`
	PausePin int           `yaml:"pause_pin" validate:"gte=0"`
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`
}

// Default returns a Config with every field at its default.
func Default() *Config {
	sc := scheduler.DefaultConfig()
	bc := blink.DefaultConfig()
	pc := posture.DefaultConfig()
	rc := retry.DefaultConfig()
	bp := policy.DefaultBlinkConfig()
	pp := policy.DefaultPostureConfig()
	ic := idle.DefaultConfig()
	ses := session.DefaultConfig()

	return &Config{
		Detection: DetectionConfig{
			Enabled:              true,
			Consent:              false,
			FPSMode:              string(sc.Mode),
			SkipFactor:           sc.SkipFactor,
			TickInterval:         DefaultTickInterval,
			MaxConsecutiveErrors: ses.MaxConsecutiveErrors,
		},
		Features: FeaturesConfig{Blink: true, Posture: true},
		Blink: BlinkConfig{
			EARThreshold:    bc.EARThreshold,
			MinClosedFrames: bc.MinClosedFrames,
			MinOpenFrames:   bc.MinOpenFrames,
			RateWindow:      ses.RateWindow,
		},
		Posture: PostureConfig{
			Alpha:          pc.Alpha,
			HeadSpanDeg:    pc.HeadSpan,
			ShoulderSpan:   pc.ShoulderSpan,
			HeadWeight:     pc.HeadWeight,
			ShoulderWeight: pc.ShoulderWeight,
		},
		Throttle: ThrottleConfig{
			CPUThreshold:    sc.CPUThreshold,
			MonitorDuration: sc.MonitorDuration,
			MinFPS:          sc.MinFPS,
		},
		Retry: RetryConfig{
			InitialDelay: rc.InitialDelay,
			Multiplier:   rc.Multiplier,
			MaxDelay:     rc.MaxDelay,
			MaxRetries:   rc.MaxRetries,
		},
		Policy: PolicyConfig{
			EvaluateInterval: DefaultEvaluateInterval,
			Blink: BlinkPolicyConfig{
				ThresholdBPM: bp.ThresholdBPM,
				Duration:     bp.Duration,
				Cooldown:     bp.Cooldown,
			},
			Posture: PosturePolicyConfig{
				ScoreThreshold:       pp.ScoreThreshold,
				MinDuration:          pp.MinDuration,
				Cooldown:             pp.Cooldown,
				ImprovementThreshold: pp.ImprovementThreshold,
			},
		},
		Idle: IdleConfig{
			ThresholdMinutes: int(ic.Threshold / time.Minute),
			PauseDuration:    ic.PauseDuration,
		},
		Pause: PauseConfig{ManualDuration: DefaultManualPause},
		MQTT: MQTTConfig{
			Broker:        DefaultBroker,
			ClientID:      DefaultClientID,
			LandmarkTopic: DefaultLandmarkTopic,
		},
		HTTP:      HTTPConfig{Addr: DefaultHTTPAddr},
		GPIO:      GPIOConfig{Chip: DefaultGPIOChip, PausePin: DefaultPausePin, Debounce: DefaultButtonDebounce},
		Heartbeat: DefaultHeartbeat,
	}
}

// Load reads and parses the YAML config file at path. An empty path yields
// the defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets deployment secrets and addresses come from the environment
// (or a .env file loaded by the binary).
func applyEnv(cfg *Config) {
	if v := os.Getenv("WELLNESS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("WELLNESS_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v, ok := os.LookupEnv("WELLNESS_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
}

var (
	vOnce sync.Once
	vInst *validator.Validate
)

func validate() *validator.Validate {
	vOnce.Do(func() {
		vInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return vInst
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return errors.New("retry.max_delay must be >= retry.initial_delay")
	}
	if sum := cfg.Posture.HeadWeight + cfg.Posture.ShoulderWeight; math.Abs(sum-100) > 1e-6 {
		return fmt.Errorf("posture weights must sum to 100, got %g", sum)
	}
	if cfg.Throttle.MinFPS > scheduler.Mode(cfg.Detection.FPSMode).FPS() {
		return fmt.Errorf("throttle.min_fps %g exceeds the %s target", cfg.Throttle.MinFPS, cfg.Detection.FPSMode)
	}
	return nil
}

// fieldPath trims the root type from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// DetectionActive reports whether detection should be running.
func (c *Config) DetectionActive() bool {
	return c.Detection.Enabled && c.Detection.Consent && (c.Features.Blink || c.Features.Posture)
}

// SchedulerConfig maps the detection and throttle sections.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Mode:            scheduler.Mode(c.Detection.FPSMode),
		SkipFactor:      c.Detection.SkipFactor,
		CPUThreshold:    c.Throttle.CPUThreshold,
		MonitorDuration: c.Throttle.MonitorDuration,
		MinFPS:          c.Throttle.MinFPS,
	}
}

// SessionConfig maps everything a detection session needs.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Scheduler: c.SchedulerConfig(),
		Blink: blink.Config{
			EARThreshold:    c.Blink.EARThreshold,
			MinClosedFrames: c.Blink.MinClosedFrames,
			MinOpenFrames:   c.Blink.MinOpenFrames,
		},
		Posture: posture.Config{
			Alpha:          c.Posture.Alpha,
			HeadSpan:       c.Posture.HeadSpanDeg,
			ShoulderSpan:   c.Posture.ShoulderSpan,
			HeadWeight:     c.Posture.HeadWeight,
			ShoulderWeight: c.Posture.ShoulderWeight,
		},
		RateWindow:           c.Blink.RateWindow,
		Features:             session.Features{Blink: c.Features.Blink, Posture: c.Features.Posture},
		MaxConsecutiveErrors: c.Detection.MaxConsecutiveErrors,
	}
}

// RetryConfig maps the retry section.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		InitialDelay: c.Retry.InitialDelay,
		Multiplier:   c.Retry.Multiplier,
		MaxDelay:     c.Retry.MaxDelay,
		MaxRetries:   c.Retry.MaxRetries,
		Jitter:       retry.DefaultConfig().Jitter,
	}
}

// BlinkPolicyConfig maps the blink policy section.
func (c *Config) BlinkPolicyConfig() policy.BlinkConfig {
	return policy.BlinkConfig{
		ThresholdBPM: c.Policy.Blink.ThresholdBPM,
		Duration:     c.Policy.Blink.Duration,
		Cooldown:     c.Policy.Blink.Cooldown,
	}
}

// PosturePolicyConfig maps the posture policy section.
func (c *Config) PosturePolicyConfig() policy.PostureConfig {
	return policy.PostureConfig{
		ScoreThreshold:       c.Policy.Posture.ScoreThreshold,
		MinDuration:          c.Policy.Posture.MinDuration,
		Cooldown:             c.Policy.Posture.Cooldown,
		ImprovementThreshold: c.Policy.Posture.ImprovementThreshold,
	}
}

// IdleConfig maps the idle section.
func (c *Config) IdleConfig() idle.Config {
	return idle.Config{
		Threshold:     time.Duration(c.Idle.ThresholdMinutes) * time.Minute,
		PauseDuration: c.Idle.PauseDuration,
	}
}
