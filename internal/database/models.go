package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	Role         string
	PasswordHash string
}
