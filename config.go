package serialcomm

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the settings used to open a channel. It is copied into the
// handle on Open and never changes afterwards; reconfiguring a channel means
// closing and reopening it.
type Config struct {
	BaudRate BaudRate `validate:"gt=0"`
	DataBits DataBits `validate:"oneof=5 6 7 8"`
	Parity   Parity   `validate:"min=0,max=4"`
	StopBits StopBits `validate:"stopbits"`

	// ReadTimeout bounds the transport's own blocking read. Nil blocks
	// indefinitely until the first byte arrives.
	ReadTimeout *time.Duration

	FlowControl FlowControl `validate:"min=0,max=3"`
}

// Timeout is a convenience for filling Config.ReadTimeout.
func Timeout(d time.Duration) *time.Duration {
	return &d
}

// withDefaults fills zero-valued framing fields with the common 8N1 values.
func (c Config) withDefaults() Config {
	if c.DataBits == 0 {
		c.DataBits = DataBits8
	}
	if c.StopBits == 0 {
		c.StopBits = StopBits1
	}
	if c.ReadTimeout != nil {
		d := *c.ReadTimeout
		c.ReadTimeout = &d
	}
	return c
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("stopbits", func(fl validator.FieldLevel) bool {
			return StopBits(fl.Field().Float()).valid()
		})
	})
	return validate
}

// Validate checks the configuration after defaults are applied. Every
// failure wraps ErrConfiguration.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ReadTimeout != nil && *c.ReadTimeout < 0 {
		return fmt.Errorf("%w: read timeout cannot be negative: %v", ErrConfiguration, *c.ReadTimeout)
	}
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	switch fe.Field() {
	case "BaudRate":
		return fmt.Sprintf("invalid baud rate %v, must be positive", fe.Value())
	case "DataBits":
		return fmt.Sprintf("data bits must be 5-8, got: %v", fe.Value())
	case "Parity":
		return fmt.Sprintf("invalid parity value: %v", fe.Value())
	case "StopBits":
		return fmt.Sprintf("stop bits must be 1, 1.5, or 2, got: %v", fe.Value())
	case "FlowControl":
		return fmt.Sprintf("invalid flow control value: %v", fe.Value())
	}
	return fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
}
