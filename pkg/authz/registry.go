package authz

const (
	RoleOrgAdmin  = "org-admin"
	RoleOrgViewer = "org-viewer"
	RoleAnonymous = "anonymous"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectIAMSession       = "iam.session"
	ObjectSharingViews     = "sharing.views"
	ObjectSharingGrants    = "sharing.grants"
	ObjectSharingAccess    = "sharing.access"
	ObjectSharingEntities  = "sharing.entities"
	ObjectCatalogTemplates = "catalog.templates"
	ObjectCatalogInstances = "catalog.instances"
	ObjectRolloutRollouts  = "rollout.rollouts"
	ObjectRolloutReceipts  = "rollout.receipts"
	ObjectAuditEntries     = "audit.entries"
)
