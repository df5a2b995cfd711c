package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRfqHubRepository struct {
	mock.Mock
}

func (m *MockRfqHubRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRfqHubRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRfqHubRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRfqHubRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRfqHubRepository) GetRfqOwner(rfqId int) (int, error) {
	args := m.Called(rfqId)
	return args.Int(0), args.Error(1)
}
func (m *MockRfqHubRepository) GetBidOwner(bidId int) (int, error) {
	args := m.Called(bidId)
	return args.Int(0), args.Error(1)
}
