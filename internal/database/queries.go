package database

import (
	"time"
)

func (db *PgRfqHubRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, role, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, username, email, role",
		params.Username,
		params.EmailAddress,
		params.Role,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Role,
	)

	return u, err
}

func (db *PgRfqHubRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, role FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Role,
	)

	return user, err
}

func (db *PgRfqHubRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, role, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Role,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgRfqHubRepository) GetRfqOwner(rfqId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT a.id FROM rfqs r "+
			"JOIN buyer_profiles b ON r.buyer_profile_id = b.id "+
			"JOIN accounts a ON b.account_id = a.id "+
			"WHERE r.id = $1 LIMIT 1",
		rfqId,
	)

	var ownerId int
	err := row.Scan(&ownerId)

	return ownerId, err
}

func (db *PgRfqHubRepository) GetBidOwner(bidId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT a.id FROM bids b "+
			"JOIN suppliers s ON b.supplier_id = s.id "+
			"JOIN accounts a ON s.account_id = a.id "+
			"WHERE b.id = $1 LIMIT 1",
		bidId,
	)

	var ownerId int
	err := row.Scan(&ownerId)

	return ownerId, err
}
