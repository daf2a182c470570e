package testutil

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// ErrInvalidScenario is returned for scenarios that cannot be simulated.
var ErrInvalidScenario = errors.New("invalid scenario")

//go:embed scenarios/*.yaml
var builtinScenarios embed.FS

// EncoderConfig models the media source feeding the pacer.
type EncoderConfig struct {
	FrameRate     int `yaml:"frame_rate"`
	MaxPacketSize int `yaml:"max_packet_size"`

	// AudioBitrate adds a constant high-priority stream. Zero disables it.
	AudioBitrate int64 `yaml:"audio_bitrate"`
}

// FeedbackConfig models the receiver's RTCP.
type FeedbackConfig struct {
	// Interval is the transport feedback interval.
	Interval time.Duration `yaml:"interval"`

	// ReportInterval is the receiver report interval.
	ReportInterval time.Duration `yaml:"report_interval"`

	// REMBBitrate is a receiver-side cap advertised with REMB. Zero
	// disables REMB.
	REMBBitrate int64 `yaml:"remb_bitrate"`
}

// Expectation bounds the published target at a point of the scenario.
type Expectation struct {
	At        time.Duration `yaml:"at"`
	MinTarget int64         `yaml:"min_target"`
	MaxTarget int64         `yaml:"max_target"`
}

// Check returns an error if target is outside the expected bounds.
func (e Expectation) Check(target int64) error {
	if e.MinTarget > 0 && target < e.MinTarget {
		return fmt.Errorf("at %v: target %d below %d", e.At, target, e.MinTarget)
	}
	if e.MaxTarget > 0 && target > e.MaxTarget {
		return fmt.Errorf("at %v: target %d above %d", e.At, target, e.MaxTarget)
	}
	return nil
}

// Scenario is a simulated call: a link with a capacity schedule, an
// encoder, a receiver and a controller configuration.
//
// File format:
//
//	name: capacity-drop
//	duration: 60s
//	seed: 7
//	link:
//	  propagation: 25ms
//	  queue_limit: 500ms
//	  schedule:
//	    - {at: 0s, bitrate: 2500000}
//	    - {at: 20s, bitrate: 600000}
//	config:
//	  start_bitrate: 300000
//	expect:
//	  - {at: 45s, min_target: 150000, max_target: 1000000}
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Duration    time.Duration  `yaml:"duration"`
	Seed        uint64         `yaml:"seed"`
	Link        LinkConfig     `yaml:"link"`
	Encoder     EncoderConfig  `yaml:"encoder"`
	Feedback    FeedbackConfig `yaml:"feedback"`

	// Config is decoded on top of bwe.DefaultConfig.
	Config bwe.Config `yaml:"config"`

	Expect []Expectation `yaml:"expect"`
}

// DefaultScenario returns a scenario with every default applied and an
// empty link schedule.
func DefaultScenario() Scenario {
	return Scenario{
		Duration: 30 * time.Second,
		Seed:     1,
		Encoder: EncoderConfig{
			FrameRate:     30,
			MaxPacketSize: 1200,
		},
		Feedback: FeedbackConfig{
			Interval:       50 * time.Millisecond,
			ReportInterval: time.Second,
		},
		Config: bwe.DefaultConfig(),
	}
}

// Validate checks that s can be simulated.
func (s Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidScenario)
	}
	if len(s.Link.Schedule) == 0 {
		return fmt.Errorf("%w: link schedule is empty", ErrInvalidScenario)
	}
	for i, step := range s.Link.Schedule {
		if step.Bitrate <= 0 {
			return fmt.Errorf("%w: schedule step %d: bitrate must be positive", ErrInvalidScenario, i)
		}
		if i > 0 && step.At < s.Link.Schedule[i-1].At {
			return fmt.Errorf("%w: schedule step %d is out of order", ErrInvalidScenario, i)
		}
	}
	if s.Link.Loss < 0 || s.Link.Loss >= 1 {
		return fmt.Errorf("%w: loss %v outside [0, 1)", ErrInvalidScenario, s.Link.Loss)
	}
	if s.Link.Propagation < 0 || s.Link.QueueLimit < 0 {
		return fmt.Errorf("%w: negative link delay", ErrInvalidScenario)
	}
	if s.Encoder.FrameRate <= 0 || s.Encoder.MaxPacketSize <= 0 {
		return fmt.Errorf("%w: encoder frame rate and packet size must be positive", ErrInvalidScenario)
	}
	if s.Feedback.Interval <= 0 || s.Feedback.ReportInterval <= 0 {
		return fmt.Errorf("%w: feedback intervals must be positive", ErrInvalidScenario)
	}
	for _, e := range s.Expect {
		if e.At < 0 || e.At > s.Duration {
			return fmt.Errorf("%w: expectation at %v outside the scenario", ErrInvalidScenario, e.At)
		}
		if e.MaxTarget > 0 && e.MinTarget > e.MaxTarget {
			return fmt.Errorf("%w: expectation at %v: min above max", ErrInvalidScenario, e.At)
		}
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return nil
}

// ParseScenario decodes YAML on top of DefaultScenario and validates the
// result.
func ParseScenario(data []byte) (Scenario, error) {
	s := DefaultScenario()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// LoadScenario reads a scenario file. Names without a path separator or
// extension are looked up among the built-in scenarios first.
func LoadScenario(name string) (Scenario, error) {
	if !strings.ContainsAny(name, `/\`) && path.Ext(name) == "" {
		if s, err := BuiltinScenario(name); err == nil {
			return s, nil
		}
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// BuiltinScenario returns the built-in scenario called name.
func BuiltinScenario(name string) (Scenario, error) {
	data, err := builtinScenarios.ReadFile("scenarios/" + name + ".yaml")
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: no built-in scenario %q", ErrInvalidScenario, name)
	}
	return ParseScenario(data)
}

// BuiltinScenarios returns the names of the built-in scenarios, sorted.
func BuiltinScenarios() []string {
	entries, err := builtinScenarios.ReadDir("scenarios")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(names)
	return names
}
