package domain

// Entity is a record kept by an outbox queue. WithKey returns a copy of the
// entity carrying id.
type Entity[T any] interface {
	Key() EntityID
	WithKey(id EntityID) T
}

// Ranked is implemented by entities ordered by a dense rank inside a scope
// owned by another collection.
type Ranked[T any] interface {
	Scope() EntityID
	Rank() int
	Place(scope EntityID, rank int) T
	RankFields() (scopeField, rankField string)
}

const (
	TaskScopeField = "column_id"
	TaskRankField  = "order_position"
)

// Task is a card on the board; tasks are ordered within their column.
type Task struct {
	ID            EntityID `json:"id"`
	ColumnID      EntityID `json:"column_id"`
	ProjectID     *int64   `json:"project_id"`
	Name          string   `json:"name"`
	Description   *string  `json:"description"`
	Priority      *string  `json:"priority"`
	DueDate       *string  `json:"due_date"`
	StartDate     *string  `json:"start_date"`
	ClientID      *int64   `json:"client_id"`
	CampaignID    *int64   `json:"campaign_id"`
	UserID        *int64   `json:"user_id"`
	TypeTask      *string  `json:"type_task"`
	Number        *int64   `json:"number"`
	Comment       *string  `json:"comment"`
	File          *string  `json:"file"`
	Archived      int      `json:"archived"`
	OrderPosition int      `json:"order_position"`
	InvolvedUsers *string  `json:"involved_users"`
	TimerStatus   int      `json:"timer_status"`
	LastStarted   *string  `json:"last_started"`
	TimeSpent     int64    `json:"time_spent"`
}

func (t Task) Key() EntityID { return t.ID }

func (t Task) WithKey(id EntityID) Task {
	t.ID = id
	return t
}

func (t Task) Scope() EntityID { return t.ColumnID }
func (t Task) Rank() int       { return t.OrderPosition }

func (t Task) Place(scope EntityID, rank int) Task {
	t.ColumnID = scope
	t.OrderPosition = rank
	return t
}

func (Task) RankFields() (string, string) { return TaskScopeField, TaskRankField }

// Column groups tasks on a project board.
type Column struct {
	ID        EntityID `json:"id"`
	ProjectID *int64   `json:"project_id"`
	Name      string   `json:"name"`
	CreatedAt *string  `json:"created_at,omitempty"`
	UpdatedAt *string  `json:"updated_at,omitempty"`
}

func (c Column) Key() EntityID { return c.ID }

func (c Column) WithKey(id EntityID) Column {
	c.ID = id
	return c
}

type Project struct {
	ID          EntityID `json:"id"`
	Name        string   `json:"name"`
	ClientID    *int64   `json:"client_id"`
	UserID      *int64   `json:"user_id"`
	Status      *string  `json:"status"`
	Visibility  *string  `json:"visibility"`
	DateProject *string  `json:"date_project"`
	Members     []int64  `json:"members,omitempty"`
}

func (p Project) Key() EntityID { return p.ID }

func (p Project) WithKey(id EntityID) Project {
	p.ID = id
	return p
}

type User struct {
	ID       EntityID `json:"id"`
	Name     string   `json:"name"`
	Nick     *string  `json:"nick"`
	Email    string   `json:"email"`
	Role     *string  `json:"role"`
	Approved int      `json:"approved"`
}

func (u User) Key() EntityID { return u.ID }

func (u User) WithKey(id EntityID) User {
	u.ID = id
	return u
}

type Client struct {
	ID       EntityID `json:"id"`
	Name     string   `json:"name"`
	Email    *string  `json:"email"`
	Phone    *string  `json:"phone"`
	Document *string  `json:"document"`
}

func (c Client) Key() EntityID { return c.ID }

func (c Client) WithKey(id EntityID) Client {
	c.ID = id
	return c
}
