package entity

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Command errors.
var (
	ErrNotSwitch     = errors.New("entity is not a switch")
	ErrNotSelect     = errors.New("entity is not a select")
	ErrInvalidOption = errors.New("invalid option")
)

// Writer writes values into a device bucket.
type Writer interface {
	WriteValue(ctx context.Context, objectKey string, values map[string]any) error
}

// TurnOn enables a switch.
func TurnOn(ctx context.Context, w Writer, e Entity) error {
	return setSwitch(ctx, w, e, true)
}

// TurnOff disables a switch.
func TurnOff(ctx context.Context, w Writer, e Entity) error {
	return setSwitch(ctx, w, e, false)
}

func setSwitch(ctx context.Context, w Writer, e Entity, on bool) error {
	if e.Platform() != PlatformSwitch {
		return fmt.Errorf("%s: %w", e.UniqueID, ErrNotSwitch)
	}
	if err := w.WriteValue(ctx, e.ObjectKey, map[string]any{e.Key(): on}); err != nil {
		return fmt.Errorf("set %s: %w", e.UniqueID, err)
	}
	return nil
}

// SelectOption writes the option of a select.
func SelectOption(ctx context.Context, w Writer, e Entity, option string) error {
	if e.Platform() != PlatformSelect {
		return fmt.Errorf("%s: %w", e.UniqueID, ErrNotSelect)
	}
	if !slices.Contains(e.Description.Options, option) {
		return fmt.Errorf("%s: %w %q", e.UniqueID, ErrInvalidOption, option)
	}

	value, ok := presetToBrightness[option]
	if !ok {
		return fmt.Errorf("%s: %w %q", e.UniqueID, ErrInvalidOption, option)
	}
	if err := w.WriteValue(ctx, e.ObjectKey, map[string]any{e.Key(): value}); err != nil {
		return fmt.Errorf("select %s: %w", e.UniqueID, err)
	}
	return nil
}
