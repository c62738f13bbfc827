package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ConfigGet prints a runtime override from the app_config table.
func (a *App) ConfigGet(ctx context.Context, key string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured")
	}
	if closeStore != nil {
		defer closeStore()
	}

	value, ok, err := store.GetConfigValue(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not set", key)
	}

	fmt.Fprintln(os.Stdout, value)
	return nil
}

// ConfigSet writes a runtime override to the app_config table. The
// service reads overrides at startup.
func (a *App) ConfigSet(ctx context.Context, key, value string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.SetConfigValue(ctx, key, value); err != nil {
		return err
	}

	a.Logger.Info().Str("key", key).Msg("app_config updated")
	return nil
}
