package member

import "time"

type Member struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	Local      string    `json:"local"`
	DuesStatus string    `json:"dues_status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type MemberInput struct {
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Local      string `json:"local"`
	DuesStatus string `json:"dues_status"`
}

var duesStatuses = map[string]bool{
	"current":   true,
	"arrears":   true,
	"withdrawn": true,
}
