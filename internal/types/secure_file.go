package types

// UserRole is the extended role vocabulary shown by the presentation layer.
type UserRole string

const (
	UserRoleAdmin     UserRole = "Admin"
	UserRoleAnalyst   UserRole = "Analyst"
	UserRoleAuditor   UserRole = "Auditor"
	UserRoleEndUser   UserRole = "End-User"
	UserRoleEmergency UserRole = "Emergency"
)

// Valid reports whether r is a known UI role.
func (r UserRole) Valid() bool {
	switch r {
	case UserRoleAdmin, UserRoleAnalyst, UserRoleAuditor, UserRoleEndUser, UserRoleEmergency:
		return true
	}
	return false
}

// OperatorRole is the coarse authorization role derived server-side.
// It is never directly settable by an unauthenticated caller.
type OperatorRole string

const (
	RoleAdmin   OperatorRole = "ADMIN"
	RoleAnalyst OperatorRole = "ANALYST"
	RoleUser    OperatorRole = "USER"
)

// UserRole maps the operator role onto the UI vocabulary.
func (r OperatorRole) UserRole() UserRole {
	switch r {
	case RoleAdmin:
		return UserRoleAdmin
	case RoleAnalyst:
		return UserRoleAnalyst
	default:
		return UserRoleEndUser
	}
}

// StorageProvider names where the sealed payload lives.
type StorageProvider string

const (
	StorageLocalEnclave StorageProvider = "LOCAL_ENCLAVE"
	StorageExternalHSM  StorageProvider = "EXTERNAL_HSM"
	StorageCloudVault   StorageProvider = "CLOUD_VAULT"
)

// Valid reports whether p is a known storage provider.
func (p StorageProvider) Valid() bool {
	switch p {
	case StorageLocalEnclave, StorageExternalHSM, StorageCloudVault:
		return true
	}
	return false
}

// EnrollmentMode records why a sealed object was created.
type EnrollmentMode string

const (
	EnrollmentFirst        EnrollmentMode = "first_enroll"
	EnrollmentAdditional   EnrollmentMode = "additional"
	EnrollmentVerification EnrollmentMode = "verification"
)

// FileHeader is the immutable descriptor header of a sealed object.
type FileHeader struct {
	Version           string          `json:"bfile_version"`
	UUID              string          `json:"bfile_uuid"`
	CreationTimestamp string          `json:"creation_timestamp"`
	CreatorRole       UserRole        `json:"creator_role"`
	EnrollmentMode    EnrollmentMode  `json:"enrollment_mode"`
	CryptoSuite       string          `json:"crypto_suite"`
	KeyDerivation     string          `json:"key_derivation"`
	StorageProvider   StorageProvider `json:"storage_provider"`
}

// BiometricMetadata describes the biometric domain an object is bound to.
// PathSpecific holds the optical/dactyl/vocal/artifact detail block.
type BiometricMetadata struct {
	Domain       SignalType             `json:"biometric_domain"`
	IngressPath  IngressPath            `json:"ingress_path"`
	CaptureMode  CaptureMode            `json:"capture_mode"`
	PathSpecific map[string]interface{} `json:"path_specific,omitempty"`
}

// SecurityBinding links a sealed object to one feature vector.
type SecurityBinding struct {
	BindingHash            string    `json:"biometric_binding_hash"`
	FeatureVectorHash      string    `json:"feature_vector_hash"`
	AntiSpoofThresholdUsed float64   `json:"anti_spoof_threshold_used"`
	VerificationPolicyID   string    `json:"verification_policy_id"`
	EnclaveAttested        bool      `json:"enclave_attested"`
	AttestationTier        TrustTier `json:"attestation_tier"`
}

// FileMetadata carries the payload description and its access contract.
type FileMetadata struct {
	OriginalFilename string      `json:"originalFilename"`
	MimeType         string      `json:"mimeType"`
	FileSize         string      `json:"fileSize"`
	LockPolicy       LockPolicy  `json:"lockPolicy"`
	AccessRules      AccessRules `json:"accessRules"`
	AuditHash        string      `json:"audit_hash"`
}

// SecureFile is a sealed object descriptor. It is immutable after creation;
// unlock and relock state is tracked by the caller.
type SecureFile struct {
	ID                string            `json:"id"`
	Header            FileHeader        `json:"header"`
	BiometricMetadata BiometricMetadata `json:"biometricMetadata"`
	SecurityBinding   SecurityBinding   `json:"security_binding"`
	Metadata          FileMetadata      `json:"metadata"`
}

// Policy returns the lock policy attached to the object.
func (f *SecureFile) Policy() *LockPolicy {
	return &f.Metadata.LockPolicy
}
