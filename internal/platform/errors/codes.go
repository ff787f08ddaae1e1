// Package errors provides structured error handling with stable machine codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Sheet errors
	CodeSheetEmptyID            Code = "SHEET_EMPTY_ID"
	CodeSheetEmptyName          Code = "SHEET_EMPTY_NAME"
	CodeSheetUnknownAbility     Code = "SHEET_UNKNOWN_ABILITY"
	CodeSheetInvalidScore       Code = "SHEET_INVALID_ABILITY_SCORE"
	CodeSheetUnknownSkill       Code = "SHEET_UNKNOWN_SKILL"
	CodeSheetInvalidRanks       Code = "SHEET_INVALID_SKILL_RANKS"
	CodeSheetUnknownResource    Code = "SHEET_UNKNOWN_RESOURCE"
	CodeSheetResourceExhausted  Code = "SHEET_RESOURCE_EXHAUSTED"
	CodeSheetResourceAtCap      Code = "SHEET_RESOURCE_AT_CAP"
	CodeSheetInvalidBonus       Code = "SHEET_INVALID_BONUS"
	CodeSheetUnknownCondition   Code = "SHEET_UNKNOWN_CONDITION"
	CodeSheetConditionDuplicate Code = "SHEET_CONDITION_DUPLICATE"
	CodeSheetAbilitiesNotReady  Code = "SHEET_ABILITIES_NOT_READY"

	// Rules errors
	CodeRulesParse           Code = "RULES_PARSE_FAILED"
	CodeRulesSchemaViolation Code = "RULES_SCHEMA_VIOLATION"

	// Remote store errors
	CodeStoreNotFound      Code = "STORE_NOT_FOUND"
	CodeStoreRequestFailed Code = "STORE_REQUEST_FAILED"
	CodeStoreBadPayload    Code = "STORE_BAD_PAYLOAD"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"

	// Update queue errors
	CodeQueueEmptyKey   Code = "QUEUE_EMPTY_KEY"
	CodeQueueNilExecute Code = "QUEUE_NIL_EXECUTE"
	CodeQueueTaskFailed Code = "QUEUE_TASK_FAILED"
	CodeQueueClosed     Code = "QUEUE_CLOSED"

	// Boot errors
	CodeBootAlreadyStarted Code = "BOOT_ALREADY_STARTED"
	CodeBootNotReady       Code = "BOOT_NOT_READY"
	CodeBootLockHeld       Code = "BOOT_LOCK_HELD"
	CodeBootTimeout        Code = "BOOT_TIMEOUT"
	CodeBootKernelFault    Code = "BOOT_KERNEL_FAULT"
	CodeBootDeviceInit     Code = "BOOT_DEVICE_INIT_FAILED"
	CodeBootFetchFailed    Code = "BOOT_CHARACTER_FETCH_FAILED"

	// Local persistence errors
	CodeNotFound Code = "NOT_FOUND"
)

// Errno values mirrored from the kernel error contract. The numeric values
// must stay compatible with internal/kernel, which defines the canonical set.
const (
	errnoNoEnt = -2
	errnoIO    = -5
	errnoAgain = -11
	errnoBusy  = -16
	errnoInval = -22
)

// Errno maps domain codes onto the kernel errno contract. Devices use this
// to translate domain errors before returning through the ioctl boundary.
func (c Code) Errno() int {
	switch c {
	// EINVAL - validation failures, bad input
	case CodeSheetEmptyID,
		CodeSheetEmptyName,
		CodeSheetUnknownAbility,
		CodeSheetInvalidScore,
		CodeSheetUnknownSkill,
		CodeSheetInvalidRanks,
		CodeSheetInvalidBonus,
		CodeSheetUnknownCondition,
		CodeSheetConditionDuplicate,
		CodeSheetAbilitiesNotReady,
		CodeRulesParse,
		CodeRulesSchemaViolation,
		CodeStoreBadPayload,
		CodeQueueEmptyKey,
		CodeQueueNilExecute:
		return errnoInval

	// ENOENT - missing records and resources
	case CodeSheetUnknownResource,
		CodeStoreNotFound,
		CodeNotFound:
		return errnoNoEnt

	// EBUSY - current state disallows the operation
	case CodeSheetResourceExhausted,
		CodeSheetResourceAtCap,
		CodeBootAlreadyStarted,
		CodeBootLockHeld:
		return errnoBusy

	// EAGAIN - transient, retry may help
	case CodeBootTimeout,
		CodeStoreUnavailable:
		return errnoAgain

	// EIO - a boundary operation failed
	case CodeStoreRequestFailed,
		CodeQueueTaskFailed,
		CodeQueueClosed,
		CodeBootNotReady,
		CodeBootKernelFault,
		CodeBootDeviceInit,
		CodeBootFetchFailed:
		return errnoIO
	}
	return errnoIO
}
