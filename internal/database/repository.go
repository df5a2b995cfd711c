package database

type RfqHubRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	// GetRfqOwner resolves the account id of the buyer who owns the RFQ.
	// Returns sql.ErrNoRows if the RFQ does not exist.
	GetRfqOwner(rfqId int) (int, error)
	// GetBidOwner resolves the account id of the supplier who placed the
	// bid. Returns sql.ErrNoRows if the bid does not exist.
	GetBidOwner(bidId int) (int, error)
}
