package domain

// Kind names an entity collection. The value doubles as the remote path
// segment and the persistence key prefix.
type Kind string

const (
	KindTask    Kind = "tasks"
	KindColumn  Kind = "columns"
	KindProject Kind = "projects"
	KindUser    Kind = "users"
	KindClient  Kind = "clients"
)

// Kinds lists every collection the board synchronises.
var Kinds = []Kind{KindTask, KindColumn, KindProject, KindUser, KindClient}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}
