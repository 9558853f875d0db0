package db

import (
	"context"

	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

// RetryOnConflict reruns fn while it fails with CodeConcurrentModification, up
// to attempts runs in total. onConflict, when set, observes each conflict. The
// last conflict is returned once attempts are exhausted.
func RetryOnConflict(ctx context.Context, attempts int, onConflict func(attempt int), fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !pkgerrors.IsCode(err, pkgerrors.CodeConcurrentModification) {
			return err
		}
		if onConflict != nil {
			onConflict(attempt)
		}
	}
	return err
}
