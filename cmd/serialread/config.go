package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Station-Manager/serialcomm"
)

type appConfig struct {
	port         string
	baud         int
	timeout      time.Duration
	dataBits     int
	parity       string
	stopBits     string
	flow         string
	driver       string
	policy       string
	send         string
	pacing       time.Duration
	initialDelay time.Duration
	silence      time.Duration
	maxWait      time.Duration
	encoding     string
	output       string
	logLevel     string
	logFormat    string
	logFile      string
	metricsAddr  string
	configPath   string
}

// parseFlags builds the configuration from, lowest precedence first, flag
// defaults, the optional TOML file, SERIALREAD_* variables and explicitly set
// flags.
func parseFlags(args []string, getenv func(string) (string, bool), stderr io.Writer) (*appConfig, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("serialread", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.port, "port", "/dev/ttyUSB0", "Serial device path or COM name")
	fs.IntVar(&cfg.baud, "baud", 9600, "Baud rate")
	fs.DurationVar(&cfg.timeout, "timeout", time.Second, "Driver read timeout (0 = block indefinitely)")
	fs.IntVar(&cfg.dataBits, "databits", 8, "Data bits: 5|6|7|8")
	fs.StringVar(&cfg.parity, "parity", "N", "Parity: N|E|O|M|S")
	fs.StringVar(&cfg.stopBits, "stopbits", "1", "Stop bits: 1|1.5|2")
	fs.StringVar(&cfg.flow, "flow", "none", "Flow control: none|software|rtscts|dsrdtr")
	fs.StringVar(&cfg.driver, "driver", "bugst", "Serial driver: bugst|tarm|tty")
	fs.StringVar(&cfg.policy, "policy", "frame", "Receive policy: once|poll|frame")
	fs.StringVar(&cfg.send, "send", "", "Payload to write before receiving (switches to send-and-receive)")
	fs.DurationVar(&cfg.pacing, "pacing", 0, "Gap between payload bytes (0 = write in one go)")
	fs.DurationVar(&cfg.initialDelay, "initial-delay", 0, "Wait before the first poll")
	fs.DurationVar(&cfg.silence, "silence", 50*time.Millisecond, "Quiet time that ends a frame")
	fs.DurationVar(&cfg.maxWait, "max-wait", 2*time.Second, "Upper bound on the whole receive")
	fs.StringVar(&cfg.encoding, "encoding", "utf-8", "Text encoding for payload and decoded output")
	fs.StringVar(&cfg.output, "output", "text", "Output format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logFile, "log-file", "", "Write logs to a rotated file instead of stderr")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.configPath, "config", "", "Optional TOML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	// Track which flags were explicitly set to give them precedence.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	if cfg.configPath != "" {
		if err := applyFile(cfg, cfg.configPath, set); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, set, getenv); err != nil {
		return nil, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// validate checks values and ranges only. It does not touch the device.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.port) == "" {
		return errors.New("port must be set")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.timeout < 0 {
		return fmt.Errorf("timeout must be >= 0 (got %v)", c.timeout)
	}
	switch c.policy {
	case "once", "poll", "frame":
	default:
		return fmt.Errorf("invalid policy: %s", c.policy)
	}
	if c.send != "" && c.policy != "frame" {
		return fmt.Errorf("send requires policy frame (got %s)", c.policy)
	}
	switch c.output {
	case "text", "json":
	default:
		return fmt.Errorf("invalid output: %s", c.output)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	for name, d := range map[string]time.Duration{
		"pacing":        c.pacing,
		"initial-delay": c.initialDelay,
		"silence":       c.silence,
		"max-wait":      c.maxWait,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0 (got %v)", name, d)
		}
	}
	return nil
}

// serialConfig maps the CLI selectors onto a channel configuration.
func (c *appConfig) serialConfig() (serialcomm.Config, error) {
	parity, err := serialcomm.ParseParity(c.parity)
	if err != nil {
		return serialcomm.Config{}, err
	}
	stopBits, err := serialcomm.ParseStopBits(c.stopBits)
	if err != nil {
		return serialcomm.Config{}, err
	}
	flow, err := serialcomm.ParseFlowControl(c.flow)
	if err != nil {
		return serialcomm.Config{}, err
	}
	cfg := serialcomm.Config{
		BaudRate:    serialcomm.BaudRate(c.baud),
		DataBits:    serialcomm.DataBits(c.dataBits),
		Parity:      parity,
		StopBits:    stopBits,
		FlowControl: flow,
	}
	if c.timeout > 0 {
		cfg.ReadTimeout = serialcomm.Timeout(c.timeout)
	}
	return cfg, cfg.Validate()
}

func (c *appConfig) frameParams() serialcomm.FrameParams {
	return serialcomm.FrameParams{
		InitialDelay: c.initialDelay,
		Silence:      c.silence,
		MaxWait:      c.maxWait,
	}
}

type fileConfig struct {
	Port         string `toml:"port"`
	Baud         int    `toml:"baud"`
	Timeout      string `toml:"timeout"`
	DataBits     int    `toml:"databits"`
	Parity       string `toml:"parity"`
	StopBits     string `toml:"stopbits"`
	Flow         string `toml:"flow"`
	Driver       string `toml:"driver"`
	Policy       string `toml:"policy"`
	Send         string `toml:"send"`
	Pacing       string `toml:"pacing"`
	InitialDelay string `toml:"initial_delay"`
	Silence      string `toml:"silence"`
	MaxWait      string `toml:"max_wait"`
	Encoding     string `toml:"encoding"`
	Output       string `toml:"output"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	LogFile      string `toml:"log_file"`
	MetricsAddr  string `toml:"metrics_addr"`
}

// applyFile copies keys present in the TOML file onto cfg, skipping any
// whose flag was set on the command line.
func applyFile(cfg *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	use := func(key, flagName string) bool {
		if _, ok := set[flagName]; ok {
			return false
		}
		return meta.IsDefined(key)
	}
	str := func(key, flagName string, dst *string, v string) {
		if use(key, flagName) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key, flagName string, dst *time.Duration, v string) error {
		if !use(key, flagName) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("port", "port", &cfg.port, raw.Port)
	if use("baud", "baud") {
		cfg.baud = raw.Baud
	}
	if use("databits", "databits") {
		cfg.dataBits = raw.DataBits
	}
	str("parity", "parity", &cfg.parity, raw.Parity)
	str("stopbits", "stopbits", &cfg.stopBits, raw.StopBits)
	str("flow", "flow", &cfg.flow, raw.Flow)
	str("driver", "driver", &cfg.driver, raw.Driver)
	str("policy", "policy", &cfg.policy, raw.Policy)
	if use("send", "send") {
		cfg.send = raw.Send
	}
	str("encoding", "encoding", &cfg.encoding, raw.Encoding)
	str("output", "output", &cfg.output, raw.Output)
	str("log_level", "log-level", &cfg.logLevel, raw.LogLevel)
	str("log_format", "log-format", &cfg.logFormat, raw.LogFormat)
	str("log_file", "log-file", &cfg.logFile, raw.LogFile)
	str("metrics_addr", "metrics-addr", &cfg.metricsAddr, raw.MetricsAddr)

	for _, d := range []struct {
		key, flag string
		dst       *time.Duration
		v         string
	}{
		{"timeout", "timeout", &cfg.timeout, raw.Timeout},
		{"pacing", "pacing", &cfg.pacing, raw.Pacing},
		{"initial_delay", "initial-delay", &cfg.initialDelay, raw.InitialDelay},
		{"silence", "silence", &cfg.silence, raw.Silence},
		{"max_wait", "max-wait", &cfg.maxWait, raw.MaxWait},
	} {
		if err := dur(d.key, d.flag, d.dst, d.v); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvOverrides maps SERIALREAD_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}, getenv func(string) (string, bool)) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := getenv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	strs := []struct {
		flag, key string
		dst       *string
	}{
		{"port", "SERIALREAD_PORT", &c.port},
		{"parity", "SERIALREAD_PARITY", &c.parity},
		{"stopbits", "SERIALREAD_STOPBITS", &c.stopBits},
		{"flow", "SERIALREAD_FLOW", &c.flow},
		{"driver", "SERIALREAD_DRIVER", &c.driver},
		{"policy", "SERIALREAD_POLICY", &c.policy},
		{"encoding", "SERIALREAD_ENCODING", &c.encoding},
		{"output", "SERIALREAD_OUTPUT", &c.output},
		{"log-level", "SERIALREAD_LOG_LEVEL", &c.logLevel},
		{"log-format", "SERIALREAD_LOG_FORMAT", &c.logFormat},
		{"log-file", "SERIALREAD_LOG_FILE", &c.logFile},
		{"metrics-addr", "SERIALREAD_METRICS", &c.metricsAddr},
	}
	for _, s := range strs {
		if v, ok := get(s.flag, s.key); ok {
			*s.dst = v
		}
	}
	ints := []struct {
		flag, key string
		dst       *int
	}{
		{"baud", "SERIALREAD_BAUD", &c.baud},
		{"databits", "SERIALREAD_DATABITS", &c.dataBits},
	}
	for _, n := range ints {
		if v, ok := get(n.flag, n.key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				fail(n.key, err)
				continue
			}
			*n.dst = i
		}
	}
	durs := []struct {
		flag, key string
		dst       *time.Duration
	}{
		{"timeout", "SERIALREAD_TIMEOUT", &c.timeout},
		{"pacing", "SERIALREAD_PACING", &c.pacing},
		{"initial-delay", "SERIALREAD_INITIAL_DELAY", &c.initialDelay},
		{"silence", "SERIALREAD_SILENCE", &c.silence},
		{"max-wait", "SERIALREAD_MAX_WAIT", &c.maxWait},
	}
	for _, d := range durs {
		if v, ok := get(d.flag, d.key); ok {
			dd, err := time.ParseDuration(v)
			if err != nil {
				fail(d.key, err)
				continue
			}
			*d.dst = dd
		}
	}
	return firstErr
}
