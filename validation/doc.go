// Package validation checks configuration structs and command input.
//
// Struct tag validation is used for configuration sections:
//
//	type Schedule struct {
//	    Name string `mapstructure:"name" validate:"required"`
//	    Cron string `mapstructure:"cron" validate:"required"`
//	}
//	err := validation.Validate(cfg)
//
// Programmatic validation collects errors for command flags:
//
//	v := validation.New()
//	v.Min("team", team, 1).Selectors("select", raw)
//	if err := v.Validate(); err != nil { ... }
//
// Both return an INVALID_INPUT AppError listing every failing field.
package validation
