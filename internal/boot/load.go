package boot

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/kernel/devices"
	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// LoadState tracks one character through the load pipeline.
type LoadState string

const (
	LoadNotLoaded  LoadState = "not_loaded"
	LoadFetching   LoadState = "fetching"
	LoadRawLoaded  LoadState = "raw_loaded"
	LoadDeviceInit LoadState = "device_init"
	LoadBonusApply LoadState = "bonus_apply"
	LoadReady      LoadState = "ready"
)

// EntityPath returns the canonical filesystem path for a character.
func EntityPath(characterID string) string {
	return "/entity/character-" + characterID
}

func procPath(characterID string) string {
	return "/proc/character/" + characterID
}

// LoadCharacter materializes a character: cache hit returns the stored
// entity unchanged; a miss fetches the row through the store bridge,
// validates it, creates the entity, and runs every device's INITIALIZE in
// dependency order before applying the row's default equipment bonuses.
// Loads are serialized so two concurrent calls cannot double-initialize.
func (a *App) LoadCharacter(ctx context.Context, characterID string) (*sheet.Entity, error) {
	if a.State() != StateReady {
		return nil, apperrors.WithMetadata(apperrors.CodeBootNotReady,
			"application is not ready", map[string]string{"state": string(a.State())})
	}
	if characterID == "" {
		return nil, apperrors.New(apperrors.CodeSheetEmptyID, "character id is required")
	}

	ctx, span := a.tracer.Start(ctx, "boot.load_character")
	defer span.End()
	span.SetAttributes(attribute.String("character.id", characterID))

	a.loadMu.Lock()
	defer a.loadMu.Unlock()

	entityPath := EntityPath(characterID)

	// Cache hit: no remote fetch, no re-initialization.
	if a.kernel.Exists(entityPath) {
		span.SetAttributes(attribute.Bool("character.cached", true))
		return a.readEntity(ctx, entityPath)
	}

	row, err := a.fetchRow(ctx, characterID)
	if err != nil {
		return nil, err
	}

	if err := a.rules.ValidateCharacterPayload(row); err != nil {
		return nil, err
	}
	entity, err := sheet.NewFromRow(row, a.now())
	if err != nil {
		return nil, err
	}
	if errno := a.kernel.Create(entityPath, entity); errno != kernel.OK {
		return nil, errnoError("create entity "+entityPath, errno)
	}

	if err := a.initializeDevices(ctx, characterID, entityPath); err != nil {
		// Partial entities are left in place; the next load attempt for this
		// character takes the cache-hit path against partial state, so the
		// failure is logged loudly.
		log.Printf("boot: device initialization failed for %s: %v", characterID, err)
		return nil, err
	}

	if err := a.applyDefaultBonuses(ctx, row, entityPath); err != nil {
		log.Printf("boot: default bonus application failed for %s: %v", characterID, err)
		return nil, err
	}

	a.createProcRecord(characterID)
	a.writeProcStatus()

	return a.readEntity(ctx, entityPath)
}

// fetchRow retrieves the raw character row through the store bridge device:
// write the request, read the paired response.
func (a *App) fetchRow(ctx context.Context, characterID string) (map[string]any, error) {
	fd, errno := a.kernel.Open("/dev/store", kernel.ModeReadWrite)
	if errno != kernel.OK {
		return nil, errnoError("open store bridge", errno)
	}
	defer a.kernel.Close(fd)

	if errno := a.kernel.Write(ctx, fd, devices.FetchRow{Table: a.table, ID: characterID}); errno != kernel.OK {
		return nil, errnoError("request character row", errno)
	}
	data, errno := a.kernel.Read(ctx, fd)
	if errno != kernel.OK {
		if errno == kernel.ENOENT {
			return nil, apperrors.WithMetadata(apperrors.CodeStoreNotFound,
				"character not found in remote store", map[string]string{"id": characterID})
		}
		return nil, apperrors.WithMetadata(apperrors.CodeBootFetchFailed,
			"fetch character row", map[string]string{"id": characterID, "errno": errno.String()})
	}

	row, ok := data.(map[string]any)
	if !ok {
		return nil, apperrors.New(apperrors.CodeStoreBadPayload, "store bridge returned a non-row payload")
	}
	return row, nil
}

// initializeDevices runs INITIALIZE on every mounted device in dependency
// order, each through its own open/ioctl/close cycle.
func (a *App) initializeDevices(ctx context.Context, characterID, entityPath string) error {
	arg := kernel.InitArg{EntityPath: entityPath}
	for _, dev := range a.devices {
		if err := a.deviceIoctl(ctx, dev.Name(), kernel.ReqInitialize, arg); err != nil {
			return apperrors.WrapWithMetadata(apperrors.CodeBootDeviceInit,
				"device initialization failed",
				map[string]string{"device": dev.Name(), "character": characterID}, err)
		}
	}
	return nil
}

// applyDefaultBonuses feeds the row's equipment bonuses through the bonus
// device after the base devices have initialized.
func (a *App) applyDefaultBonuses(ctx context.Context, row map[string]any, entityPath string) error {
	rawBonuses, ok := row["equipment_bonuses"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range rawBonuses {
		line, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		bonus := sheet.Bonus{
			Type:   stringField(line, "type"),
			Target: stringField(line, "target"),
			Value:  intField(line, "value"),
			Source: stringField(line, "source"),
		}
		arg := devices.ApplyBonusArg{EntityPath: entityPath, Bonus: bonus}
		if err := a.deviceIoctl(ctx, "bonus", kernel.ReqApplyBonus, arg); err != nil {
			return apperrors.WrapWithMetadata(apperrors.CodeSheetInvalidBonus,
				"default bonus application failed",
				map[string]string{"type": bonus.Type, "target": bonus.Target}, err)
		}
	}
	return nil
}

// deviceIoctl opens a device, issues one request, and closes it.
func (a *App) deviceIoctl(ctx context.Context, device string, req kernel.Request, arg any) error {
	fd, errno := a.kernel.Open("/dev/"+device, kernel.ModeReadWrite)
	if errno != kernel.OK {
		return errnoError("open device "+device, errno)
	}
	defer a.kernel.Close(fd)

	if errno := a.kernel.Ioctl(ctx, fd, req, arg); errno != kernel.OK {
		return errnoError(req.String()+" on "+device, errno)
	}
	return nil
}

// readEntity opens, reads, and closes the entity path, returning the clone.
func (a *App) readEntity(ctx context.Context, entityPath string) (*sheet.Entity, error) {
	fd, errno := a.kernel.Open(entityPath, kernel.ModeRead)
	if errno != kernel.OK {
		return nil, errnoError("open entity "+entityPath, errno)
	}
	defer a.kernel.Close(fd)

	data, errno := a.kernel.Read(ctx, fd)
	if errno != kernel.OK {
		return nil, errnoError("read entity "+entityPath, errno)
	}
	entity, ok := data.(*sheet.Entity)
	if !ok {
		return nil, apperrors.New(apperrors.CodeStoreBadPayload, "entity path holds a non-entity payload")
	}
	return entity, nil
}

// createProcRecord marks a character active under /proc/character.
func (a *App) createProcRecord(characterID string) {
	record := map[string]any{
		"state":     string(LoadReady),
		"loaded_at": a.now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if errno := a.kernel.Create(procPath(characterID), record); errno != kernel.OK && errno != kernel.EEXIST {
		log.Printf("boot: create process record for %s: %s", characterID, errno)
	}
}

// writeProcStatus refreshes the /proc/status summary.
func (a *App) writeProcStatus() {
	status := map[string]any{
		"state":   string(a.State()),
		"devices": len(a.devices),
	}
	if a.kernel.Exists("/proc/status") {
		fd, errno := a.kernel.Open("/proc/status", kernel.ModeWrite)
		if errno != kernel.OK {
			return
		}
		defer a.kernel.Close(fd)
		_ = a.kernel.Write(context.Background(), fd, status)
		return
	}
	if errno := a.kernel.Create("/proc/status", status); errno != kernel.OK {
		log.Printf("boot: write process status: %s", errno)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
