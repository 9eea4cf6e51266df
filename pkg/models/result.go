// Package models defines the core domain models for the device update agent.
package models

// ResultCode is the method-specific result of a capability call. Values above
// zero indicate success, zero is a generic failure and negative values mean the
// operation was cancelled.
type ResultCode int32

const (
	ResultFailure          ResultCode = 0
	ResultFailureCancelled ResultCode = -1

	ResultSuccess ResultCode = 1

	ResultIdleSuccess ResultCode = 200

	ResultDeploymentInProgressSuccess ResultCode = 400

	ResultDownloadSuccess                 ResultCode = 500
	ResultDownloadInProgress              ResultCode = 501
	ResultDownloadSkippedFileExists       ResultCode = 502
	ResultDownloadSkippedAlreadyInstalled ResultCode = 503

	ResultInstallSuccess                       ResultCode = 600
	ResultInstallInProgress                    ResultCode = 601
	ResultInstallRequiredImmediateReboot       ResultCode = 605
	ResultInstallRequiredReboot                ResultCode = 606
	ResultInstallRequiredImmediateAgentRestart ResultCode = 607
	ResultInstallRequiredAgentRestart          ResultCode = 608

	ResultApplySuccess                       ResultCode = 700
	ResultApplyInProgress                    ResultCode = 701
	ResultApplyRequiredImmediateReboot       ResultCode = 705
	ResultApplyRequiredReboot                ResultCode = 706
	ResultApplyRequiredImmediateAgentRestart ResultCode = 707
	ResultApplyRequiredAgentRestart          ResultCode = 708

	ResultCancelSuccess        ResultCode = 800
	ResultCancelUnableToCancel ResultCode = 801

	ResultIsInstalledInstalled    ResultCode = 900
	ResultIsInstalledNotInstalled ResultCode = 901
)

func (rc ResultCode) Succeeded() bool {
	return rc > 0
}

func (rc ResultCode) Failed() bool {
	return rc <= 0
}

// InProgress reports whether the capability started an asynchronous operation
// and will deliver the final result through the work-completion callback.
func (rc ResultCode) InProgress() bool {
	switch rc {
	case ResultDownloadInProgress, ResultInstallInProgress, ResultApplyInProgress:
		return true
	default:
		return false
	}
}

// RequiresReboot reports whether the success code demands a system reboot,
// deferred or immediate.
func (rc ResultCode) RequiresReboot() bool {
	switch rc {
	case ResultInstallRequiredReboot, ResultInstallRequiredImmediateReboot,
		ResultApplyRequiredReboot, ResultApplyRequiredImmediateReboot:
		return true
	default:
		return false
	}
}

// RequiresAgentRestart reports whether the success code demands an agent
// restart, deferred or immediate.
func (rc ResultCode) RequiresAgentRestart() bool {
	switch rc {
	case ResultInstallRequiredAgentRestart, ResultInstallRequiredImmediateAgentRestart,
		ResultApplyRequiredAgentRestart, ResultApplyRequiredImmediateAgentRestart:
		return true
	default:
		return false
	}
}

// Facility tags the origin of an extended result code. It occupies the top
// 4 bits of the 32-bit extended code; the low 28 bits are facility-specific.
type Facility int32

const (
	FacilitySWUpdateHandler      Facility = 0x1
	FacilityAptHandler           Facility = 0xA
	FacilityCrypto               Facility = 0xC
	FacilityDeliveryOptimization Facility = 0xD
	FacilityErrno                Facility = 0xE
	FacilityLowerLayer           Facility = 0xF
)

// ExtendedResultCode is a facility-tagged diagnostic sub-code attached to a
// failure result.
type ExtendedResultCode int32

func MakeExtendedResultCode(facility Facility, value int32) ExtendedResultCode {
	return ExtendedResultCode(int32(facility)<<28 | (value & 0x0FFFFFFF))
}

func (erc ExtendedResultCode) Facility() Facility {
	return Facility(int32(erc) >> 28 & 0xF)
}

func (erc ExtendedResultCode) Value() int32 {
	return int32(erc) & 0x0FFFFFFF
}

// Extended result codes raised by the workflow engine itself.
var (
	ERCNotRecoverable            = MakeExtendedResultCode(FacilityErrno, 131)
	ERCNotPermitted              = MakeExtendedResultCode(FacilityErrno, 1)
	ERCInvalidUpdateAction       = MakeExtendedResultCode(FacilityLowerLayer, 1)
	ERCInvalidWorkflowStep       = MakeExtendedResultCode(FacilityLowerLayer, 2)
	ERCUnexpectedState           = MakeExtendedResultCode(FacilityLowerLayer, 3)
	ERCDoubleDeferredReplacement = MakeExtendedResultCode(FacilityLowerLayer, 4)
	ERCNoHandler                 = MakeExtendedResultCode(FacilityLowerLayer, 5)
	ERCReportingFailed           = MakeExtendedResultCode(FacilityLowerLayer, 6)
	ERCBadPayload                = MakeExtendedResultCode(FacilityCrypto, 1)
	ERCUnsupportedManifest       = MakeExtendedResultCode(FacilityCrypto, 2)
	ERCInvalidFileHash           = MakeExtendedResultCode(FacilityCrypto, 3)
	ERCInsufficientDiskSpace     = MakeExtendedResultCode(FacilityErrno, 28)
)

// Result is the outcome of a single capability call or workflow step.
type Result struct {
	Code         ResultCode         `json:"resultCode"`
	ExtendedCode ExtendedResultCode `json:"extendedResultCode"`
}

func NewResult(code ResultCode) Result {
	return Result{Code: code}
}

func NewFailure(code ResultCode, erc ExtendedResultCode) Result {
	return Result{Code: code, ExtendedCode: erc}
}

func (r Result) Succeeded() bool {
	return r.Code.Succeeded()
}

func (r Result) Failed() bool {
	return r.Code.Failed()
}
