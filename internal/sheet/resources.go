package sheet

import (
	"strconv"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

// AdjustResource changes a spendable pool by delta, rejecting moves that
// would leave the pool below zero or above its maximum.
func AdjustResource(e *Entity, name string, delta int) error {
	pool, ok := e.Properties.Resources[name]
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeSheetUnknownResource,
			"resource not present on character",
			map[string]string{"resource": name})
	}

	next := pool.Current + delta
	if next < 0 {
		return apperrors.WithMetadata(apperrors.CodeSheetResourceExhausted,
			"resource pool is exhausted",
			map[string]string{"resource": name, "current": strconv.Itoa(pool.Current)})
	}
	if next > pool.Max {
		return apperrors.WithMetadata(apperrors.CodeSheetResourceAtCap,
			"resource pool is at its maximum",
			map[string]string{"resource": name, "max": strconv.Itoa(pool.Max)})
	}

	pool.Current = next
	e.Properties.Resources[name] = pool
	return nil
}

// SetResource overwrites a pool outright, clamping current into [0, max].
func SetResource(e *Entity, name string, pool Resource) {
	if pool.Current < 0 {
		pool.Current = 0
	}
	if pool.Max > 0 && pool.Current > pool.Max {
		pool.Current = pool.Max
	}
	if e.Properties.Resources == nil {
		e.Properties.Resources = make(map[string]Resource, 1)
	}
	e.Properties.Resources[name] = pool
}
