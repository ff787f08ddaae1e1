package boot

import (
	"context"
	"log"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/kernel/devices"
	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/queue"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// resourceKey derives the queue key for a resource mutation structurally, so
// every call site touching the same pool serializes on the same key.
func resourceKey(characterID, resource string) string {
	return "resource/" + characterID + "/" + resource
}

// AdjustResource spends or restores a resource pool through the update
// queue: the local value changes immediately, the remote store is updated in
// the background, and a failed sync rolls the pool back.
func (a *App) AdjustResource(ctx context.Context, characterID, resource string, delta int) (*queue.Result, error) {
	if a.State() != StateReady {
		return nil, apperrors.WithMetadata(apperrors.CodeBootNotReady,
			"application is not ready", map[string]string{"state": string(a.State())})
	}
	entityPath := EntityPath(characterID)

	// Validate against current state before anything becomes visible, so
	// the optimistic apply can never produce an invalid pool.
	entity, err := a.readEntity(ctx, entityPath)
	if err != nil {
		return nil, err
	}
	prior, ok := entity.Properties.Resources[resource]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeSheetUnknownResource,
			"resource not present on character", map[string]string{"resource": resource})
	}
	if err := sheet.AdjustResource(entity, resource, delta); err != nil {
		return nil, err
	}
	next := entity.Properties.Resources[resource]

	return a.queue.Enqueue(queue.Task{
		Key: resourceKey(characterID, resource),
		Optimistic: func() {
			if err := a.writeResource(entityPath, resource, next); err != nil {
				log.Printf("boot: optimistic resource write for %s/%s: %v", characterID, resource, err)
			}
		},
		Rollback: func() {
			if err := a.writeResource(entityPath, resource, prior); err != nil {
				log.Printf("boot: resource rollback for %s/%s: %v", characterID, resource, err)
			}
		},
		Execute: func(ctx context.Context) error {
			return a.syncResources(ctx, characterID, entityPath)
		},
	})
}

// writeResource sets one pool on the stored entity through a full
// open/read/modify/write cycle.
func (a *App) writeResource(entityPath, resource string, pool sheet.Resource) error {
	fd, errno := a.kernel.Open(entityPath, kernel.ModeReadWrite)
	if errno != kernel.OK {
		return errnoError("open entity "+entityPath, errno)
	}
	defer a.kernel.Close(fd)

	data, errno := a.kernel.Read(context.Background(), fd)
	if errno != kernel.OK {
		return errnoError("read entity "+entityPath, errno)
	}
	entity, ok := data.(*sheet.Entity)
	if !ok {
		return apperrors.New(apperrors.CodeStoreBadPayload, "entity path holds a non-entity payload")
	}

	sheet.SetResource(entity, resource, pool)
	entity.Touch(a.now())
	if errno := a.kernel.Write(context.Background(), fd, entity); errno != kernel.OK {
		return errnoError("write entity "+entityPath, errno)
	}
	return nil
}

// syncResources pushes the character's current resource pools to the remote
// store through the store bridge.
func (a *App) syncResources(ctx context.Context, characterID, entityPath string) error {
	entity, err := a.readEntity(ctx, entityPath)
	if err != nil {
		return err
	}

	pools := make(map[string]any, len(entity.Properties.Resources))
	for name, pool := range entity.Properties.Resources {
		pools[name] = map[string]any{"current": pool.Current, "max": pool.Max}
	}
	row := map[string]any{"id": characterID, "resources": pools}

	fd, errno := a.kernel.Open("/dev/store", kernel.ModeReadWrite)
	if errno != kernel.OK {
		return errnoError("open store bridge", errno)
	}
	defer a.kernel.Close(fd)

	if errno := a.kernel.Write(ctx, fd, devices.UpsertRow{Table: a.table, Row: row}); errno != kernel.OK {
		return errnoError("send resource sync", errno)
	}
	if _, errno := a.kernel.Read(ctx, fd); errno != kernel.OK {
		return errnoError("resource sync", errno)
	}
	return nil
}

// ApplyCondition applies a named condition through the condition device.
func (a *App) ApplyCondition(ctx context.Context, characterID, condition string) error {
	if a.State() != StateReady {
		return apperrors.New(apperrors.CodeBootNotReady, "application is not ready")
	}
	arg := devices.ApplyConditionArg{EntityPath: EntityPath(characterID), Name: condition}
	return a.deviceIoctl(ctx, "condition", kernel.ReqApplyCondition, arg)
}

// ApplyBonus applies a typed bonus through the bonus device.
func (a *App) ApplyBonus(ctx context.Context, characterID string, bonus sheet.Bonus) error {
	if a.State() != StateReady {
		return apperrors.New(apperrors.CodeBootNotReady, "application is not ready")
	}
	arg := devices.ApplyBonusArg{EntityPath: EntityPath(characterID), Bonus: bonus}
	return a.deviceIoctl(ctx, "bonus", kernel.ReqApplyBonus, arg)
}
