package ledger

const (
	operationGenerate     = "generate"
	operationWriteCharges = "write_charges"
	operationApply        = "apply"
	operationSnapshot     = "snapshot"
	operationGapCheck     = "gap_check"
	operationCreate       = "create_account"
	operationAddCredits   = "add_credits"
	operationSetCredits   = "set_credits"
	operationEditOwner    = "edit_owner"
	operationMigrate      = "migrate_account"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// OperationStatusOK and OperationStatusError are the statuses reported in OperationLog.
	OperationStatusOK    = operationStatusOK
	OperationStatusError = operationStatusError

	// OperationSnapshot is the OperationLog operation that marks a day complete.
	OperationSnapshot = operationSnapshot

	chargeKeyDelimiter = "#"
	userHostDelimiter  = "@"
	unknownUserPart    = "UNKNOWN"

	// negligibleChargeThreshold drops accumulated totals that are rounding noise.
	negligibleChargeThreshold = 1e-8

	secondsPerHour = 3600.0

	errorOperationRepository = "repository"
	errorSubjectAccount      = "account"
	errorSubjectCharge       = "charge"
	errorSubjectUsage        = "usage"
	errorSubjectSnapshot     = "snapshot"
	errorCodeSearch          = "search"
	errorCodeUpsert          = "upsert"
	errorCodeBulk            = "bulk"
	errorCodeDecode          = "decode"
	errorCodeExists          = "exists"
	errorCodeWrite           = "write"
)

// Document field names shared by account and charge documents.
const (
	FieldSchemaVersion  = "cas_version"
	FieldAccountID      = "account_id"
	FieldOwner          = "owner"
	FieldOwnerEmail     = "owner_email"
	FieldAffiliation    = "affiliation"
	FieldV1Function     = "v1_charge_function"
	FieldChargeType     = "charge_type"
	FieldChargeFunction = "charge_function"
	FieldDate           = "date"
	FieldUserID         = "user_id"
	FieldResourceName   = "resource_name"
	FieldTotalCharges   = "total_charges"

	fieldSuffixChargeFunction = "_charge_function"
	fieldSuffixCredits        = "_credits"
	fieldSuffixCharges        = "_charges"
	fieldSuffixLastCharge     = "_last_charge_date"
	fieldSuffixLastCredit     = "_last_credit_date"

	fieldV1Type           = "type"
	fieldV1TotalCredits   = "total_credits"
	fieldV1TotalCharges   = "total_charges"
	fieldV1LastChargeDate = "last_charge_date"
	fieldV1LastCreditDate = "last_credit_date"
)

// Usage document attribute names.
const (
	UsageFieldOwner          = "Owner"
	UsageFieldScheddName     = "ScheddName"
	UsageFieldGlobalJobID    = "GlobalJobId"
	UsageFieldRecordTime     = "RecordTime"
	UsageFieldWallClock      = "RemoteWallClockTime"
	UsageFieldRequestCpus    = "RequestCpus"
	UsageFieldRequestMemory  = "RequestMemory"
	UsageFieldRequestGpus    = "RequestGpus"
	UsageFieldHyperthreadCPU = "IsHyperthreadCpu"

	DefaultAccountNameAttribute  = "ProjectName"
	DefaultResourceNameAttribute = "MachineAttrGLIDEIN_ResourceName0"
)
