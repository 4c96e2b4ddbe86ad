package account

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/reminders"
)

// operatorEnv is the slice of the service an operator command needs.
type operatorEnv struct {
	deps    *Deps
	closeFn func()
}

func openOperatorEnv(version string) (*operatorEnv, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	reg, err := registry.Open(cfg.RegistryConfig())
	if err != nil {
		return nil, fmt.Errorf("open license registry: %w", err)
	}
	publisher, err := newPublisher(cfg)
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("init event publisher: %w", err)
	}

	sender := newEmailSender(cfg)
	deps, err := NewDeps(cfg, reg, sender, email.SyncDispatcher{Sender: sender}, publisher, version)
	if err != nil {
		_ = publisher.Close()
		_ = reg.Close()
		return nil, err
	}
	return &operatorEnv{
		deps: deps,
		closeFn: func() {
			if err := publisher.Close(); err != nil {
				log.Warn().Err(err).Msg("Event publisher close error")
			}
			_ = reg.Close()
		},
	}, nil
}

// ResetDevice clears the device binding of key from the command line and
// returns the normalized key.
func ResetDevice(ctx context.Context, version, key string) (string, error) {
	env, err := openOperatorEnv(version)
	if err != nil {
		return "", err
	}
	defer env.closeFn()

	return env.deps.Licenses.ResetDevice(ctx, key)
}

// SweepReminders runs one reminder sweep and returns its summary.
func SweepReminders(ctx context.Context, version string) (reminders.Result, error) {
	env, err := openOperatorEnv(version)
	if err != nil {
		return reminders.Result{}, err
	}
	defer env.closeFn()

	return env.deps.Sweeper.Run(ctx), nil
}
