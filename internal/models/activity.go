package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Operation enumerates every auditable mutation kind.
type Operation string

const (
	OperationCreate            Operation = "create"
	OperationUpdate            Operation = "update"
	OperationDelete            Operation = "delete"
	OperationRestore           Operation = "restore"
	OperationReorder           Operation = "reorder"
	OperationPermissionGrant   Operation = "permission_grant"
	OperationPermissionUpdate  Operation = "permission_update"
	OperationPermissionRevoke  Operation = "permission_revoke"
	OperationTrash             Operation = "trash"
	OperationMove              Operation = "move"
	OperationMemberAdd         Operation = "member_add"
	OperationMemberRemove      Operation = "member_remove"
	OperationMemberRoleChange  Operation = "member_role_change"
	OperationRoleReorder       Operation = "role_reorder"
	OperationOwnershipTransfer Operation = "ownership_transfer"
	OperationRollback          Operation = "rollback"
	OperationRedo              Operation = "redo"
	OperationLogin             Operation = "login"
	OperationLogout            Operation = "logout"
)

// ResourceType enumerates the resources an Activity can reference.
type ResourceType string

const (
	ResourcePage         ResourceType = "page"
	ResourceDrive        ResourceType = "drive"
	ResourcePermission   ResourceType = "permission"
	ResourceMember       ResourceType = "member"
	ResourceRole         ResourceType = "role"
	ResourceFile         ResourceType = "file"
	ResourceToken        ResourceType = "token"
	ResourceConversation ResourceType = "conversation"
)

var knownOperations = map[Operation]struct{}{
	OperationCreate: {}, OperationUpdate: {}, OperationDelete: {},
	OperationRestore: {}, OperationReorder: {}, OperationPermissionGrant: {},
	OperationPermissionUpdate: {}, OperationPermissionRevoke: {},
	OperationTrash: {}, OperationMove: {}, OperationMemberAdd: {},
	OperationMemberRemove: {}, OperationMemberRoleChange: {},
	OperationRoleReorder: {}, OperationOwnershipTransfer: {},
	OperationRollback: {}, OperationRedo: {}, OperationLogin: {}, OperationLogout: {},
}

var knownResourceTypes = map[ResourceType]struct{}{
	ResourcePage: {}, ResourceDrive: {}, ResourcePermission: {},
	ResourceMember: {}, ResourceRole: {}, ResourceFile: {},
	ResourceToken: {}, ResourceConversation: {},
}

// IsValid reports whether the operation belongs to the closed enum.
func (o Operation) IsValid() bool {
	_, ok := knownOperations[o]
	return ok
}

// IsValid reports whether the resource type belongs to the closed enum.
func (r ResourceType) IsValid() bool {
	_, ok := knownResourceTypes[r]
	return ok
}

// ReversalKind says what "rolling back" means for a given activity.
type ReversalKind int

const (
	// ReversalNone marks operations that can never be a direct
	// rollback target (logins, rollbacks themselves, ...).
	ReversalNone ReversalKind = iota
	// ReversalFieldRestore patches the recorded previous field values
	// back onto the live resource.
	ReversalFieldRestore
	// ReversalTrash undoes a create by trashing the created resource.
	ReversalTrash
	// ReversalRestore undoes a delete/trash by restoring the recorded
	// fields and clearing the trashed flag.
	ReversalRestore
)

type reversalKey struct {
	resource  ResourceType
	operation Operation
}

// reversalTable is the closed dispatch table deciding eligibility and
// restore semantics per (resourceType, operation). Adding a resource
// type means extending this table, not branching logic elsewhere.
var reversalTable = map[reversalKey]ReversalKind{
	{ResourcePage, OperationCreate}:  ReversalTrash,
	{ResourcePage, OperationUpdate}:  ReversalFieldRestore,
	{ResourcePage, OperationDelete}:  ReversalRestore,
	{ResourcePage, OperationTrash}:   ReversalRestore,
	{ResourcePage, OperationRestore}: ReversalFieldRestore,
	{ResourcePage, OperationReorder}: ReversalFieldRestore,
	{ResourcePage, OperationMove}:    ReversalFieldRestore,

	{ResourceDrive, OperationCreate}:            ReversalTrash,
	{ResourceDrive, OperationUpdate}:            ReversalFieldRestore,
	{ResourceDrive, OperationTrash}:             ReversalRestore,
	{ResourceDrive, OperationRestore}:           ReversalFieldRestore,
	{ResourceDrive, OperationOwnershipTransfer}: ReversalFieldRestore,

	{ResourcePermission, OperationPermissionGrant}:  ReversalTrash,
	{ResourcePermission, OperationPermissionUpdate}: ReversalFieldRestore,
	{ResourcePermission, OperationPermissionRevoke}: ReversalRestore,

	{ResourceMember, OperationMemberAdd}:        ReversalTrash,
	{ResourceMember, OperationMemberRemove}:     ReversalRestore,
	{ResourceMember, OperationMemberRoleChange}: ReversalFieldRestore,

	{ResourceRole, OperationCreate}:      ReversalTrash,
	{ResourceRole, OperationUpdate}:      ReversalFieldRestore,
	{ResourceRole, OperationDelete}:      ReversalRestore,
	{ResourceRole, OperationRoleReorder}: ReversalFieldRestore,

	{ResourceFile, OperationCreate}:  ReversalTrash,
	{ResourceFile, OperationUpdate}:  ReversalFieldRestore,
	{ResourceFile, OperationDelete}:  ReversalRestore,
	{ResourceFile, OperationTrash}:   ReversalRestore,
	{ResourceFile, OperationRestore}: ReversalFieldRestore,
	{ResourceFile, OperationMove}:    ReversalFieldRestore,

	{ResourceConversation, OperationUpdate}: ReversalFieldRestore,
	{ResourceConversation, OperationDelete}: ReversalRestore,
}

// ReversalFor returns the restore semantics for a resource/operation
// pair, or ReversalNone when the pair is not rollback-eligible.
func ReversalFor(resource ResourceType, operation Operation) ReversalKind {
	return reversalTable[reversalKey{resource: resource, operation: operation}]
}

// Activity is one immutable, hash-chained audit entry. Rows are
// write-once: nothing is ever mutated after insertion except the
// IsArchived flag flipped by retention housekeeping.
type Activity struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"not null;index:idx_activity_resource_time,priority:2,sort:desc" json:"timestamp"`

	ActorID    *uint  `gorm:"index" json:"actor_id"`
	ActorName  string `gorm:"size:255" json:"actor_name"`
	ActorEmail string `gorm:"size:255" json:"actor_email"`

	IsAIGenerated    bool   `json:"is_ai_generated"`
	AIProvider       string `gorm:"size:64" json:"ai_provider,omitempty"`
	AIModel          string `gorm:"size:128" json:"ai_model,omitempty"`
	AIConversationID string `gorm:"size:64" json:"ai_conversation_id,omitempty"`

	Operation     Operation    `gorm:"size:32;not null;index" json:"operation"`
	ResourceType  ResourceType `gorm:"size:32;not null" json:"resource_type"`
	ResourceID    uint         `gorm:"not null;index:idx_activity_resource_time,priority:1" json:"resource_id"`
	ResourceTitle string       `gorm:"size:512" json:"resource_title"`
	DriveID       *uint        `gorm:"index" json:"drive_id"`
	PageID        *uint        `json:"page_id"`

	UpdatedFields  datatypes.JSONSlice[string] `gorm:"type:json" json:"updated_fields"`
	PreviousValues FieldValues                 `gorm:"type:json" json:"previous_values"`
	NewValues      FieldValues                 `gorm:"type:json" json:"new_values"`
	Metadata       datatypes.JSONMap           `gorm:"type:json" json:"metadata"`

	IsArchived bool `gorm:"index;default:false" json:"is_archived"`

	PreviousLogHash string `gorm:"size:64" json:"previous_log_hash"`
	LogHash         string `gorm:"size:64;not null" json:"log_hash"`
	ChainSeed       string `gorm:"size:64;not null" json:"chain_seed"`

	RollbackFromActivityID  *uint     `gorm:"index" json:"rollback_from_activity_id"`
	RollbackSourceOperation Operation `gorm:"size:32" json:"rollback_source_operation,omitempty"`
}

// TableName pins the table name used across queries and migrations.
func (Activity) TableName() string {
	return "activity_logs"
}

// ReversalKind resolves the restore semantics for this entry.
func (a Activity) ReversalKind() ReversalKind {
	return ReversalFor(a.ResourceType, a.Operation)
}

// CanonicalPayload serializes the content fields of the entry into the
// deterministic byte string the log hash is computed over. The stored
// hash fields themselves are excluded; metadata keys are sorted by
// encoding/json's map ordering so recomputation is stable. Every
// component is length-prefixed, so a free-text field containing the
// separator cannot collide with an adjacent field's bytes.
func (a Activity) CanonicalPayload() ([]byte, error) {
	var b strings.Builder
	writeComponent(&b, a.Timestamp.UTC().Format(time.RFC3339Nano))
	writeComponent(&b, optionalID(a.ActorID))
	writeComponent(&b, a.ActorName)
	writeComponent(&b, a.ActorEmail)
	writeComponent(&b, strconv.FormatBool(a.IsAIGenerated))
	writeComponent(&b, a.AIProvider)
	writeComponent(&b, a.AIModel)
	writeComponent(&b, a.AIConversationID)
	writeComponent(&b, string(a.Operation))
	writeComponent(&b, string(a.ResourceType))
	writeComponent(&b, strconv.FormatUint(uint64(a.ResourceID), 10))
	writeComponent(&b, a.ResourceTitle)
	writeComponent(&b, optionalID(a.DriveID))
	writeComponent(&b, optionalID(a.PageID))

	prev, err := a.PreviousValues.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("canonicalize previous values: %w", err)
	}
	writeComponent(&b, string(prev))

	next, err := a.NewValues.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("canonicalize new values: %w", err)
	}
	writeComponent(&b, string(next))

	meta := ""
	if len(a.Metadata) > 0 {
		encoded, err := json.Marshal(map[string]interface{}(a.Metadata))
		if err != nil {
			return nil, fmt.Errorf("canonicalize metadata: %w", err)
		}
		meta = string(encoded)
	}
	writeComponent(&b, meta)
	writeComponent(&b, optionalID(a.RollbackFromActivityID))
	writeComponent(&b, string(a.RollbackSourceOperation))

	return []byte(b.String()), nil
}

// writeComponent appends one canonical field as <len>:<value>|.
func writeComponent(b *strings.Builder, value string) {
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
}

func optionalID(id *uint) string {
	if id == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*id), 10)
}

// ComputeLogHash chains the canonical payload off the previous entry's
// hash. The genesis entry of a chain passes the chain seed instead.
func ComputeLogHash(canonical []byte, previous string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previous))
	return hex.EncodeToString(h.Sum(nil))
}

// NewChainSeed generates the random seed stamped on a fresh chain.
func NewChainSeed() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("generate chain seed: %w", err)
	}
	return hex.EncodeToString(seed), nil
}
