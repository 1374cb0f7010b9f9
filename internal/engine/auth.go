package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/utils"
	"github.com/openmined/livedb/internal/wire"
)

var ErrTokenExpired = errors.New("engine: auth token expired")

// Authenticate sends the credential. It is remembered and replayed after reconnects until
// Unauthenticate or a refusal.
func (e *Engine) Authenticate(ctx context.Context, token string) (*ledger.Future, error) {
	if err := checkToken(token, e.clock.Now()); err != nil {
		return nil, err
	}

	var f *ledger.Future
	err := e.call(ctx, func() {
		slog.Info("engine auth", "token", utils.MaskSecret(token))
		e.authToken = token
		f = e.ledger.Submit(wire.ActionAuth, nil, authBody(token), nil)
		f.OnSettle(func(_ wire.Raw, err error) {
			if err == nil {
				return
			}
			slog.Warn("engine auth refused", "error", err)
			if e.authToken == token {
				e.authToken = ""
			}
		})
	})
	return f, err
}

// Unauthenticate drops the credential.
func (e *Engine) Unauthenticate(ctx context.Context) (*ledger.Future, error) {
	var f *ledger.Future
	err := e.call(ctx, func() {
		e.authToken = ""
		f = e.ledger.Submit(wire.ActionUnauth, nil, map[string]any{}, nil)
	})
	return f, err
}

// checkToken refuses JWTs that have already expired. Other tokens are opaque and pass.
func checkToken(token string, now time.Time) error {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	return nil
}

func authBody(token string) map[string]any {
	return map[string]any{"cred": token}
}

func isAuthEntry(en *ledger.Entry) bool {
	return en.Action == wire.ActionAuth || en.Action == wire.ActionUnauth
}
