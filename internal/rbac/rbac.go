package rbac

type Role string
type Action string

const (
	RoleClient  Role = "client"
	RoleAdvisor Role = "advisor"
	RoleAdmin   Role = "admin"
)

const (
	// ActionIntake fills in the caller's own intake.
	ActionIntake Action = "intake"
	// ActionReview reads other people's intakes: search, reports, documents.
	ActionReview Action = "review"
	// ActionManage changes workflow status and clears answers.
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleAdvisor:
		return action == ActionIntake || action == ActionReview || action == ActionManage
	case RoleClient:
		return action == ActionIntake
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleAdvisor, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
