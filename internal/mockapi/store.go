package mockapi

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmailTaken 邮箱已注册
	ErrEmailTaken = errors.New("email already registered")
	// ErrBadCredentials 邮箱或密码错误
	ErrBadCredentials = errors.New("invalid email or password")
	// ErrNotFound 资源不存在或不属于当前用户
	ErrNotFound = errors.New("resource not found")
)

// User 注册用户
type User struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Plan     string    `json:"plan"`
	Created  time.Time `json:"createdAt"`
	password string
}

// Wallet 钱包
type Wallet struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	InitialBalance int64  `json:"initialBalance"`
	Balance        int64  `json:"balance"`
	Description    string `json:"description,omitempty"`
}

// Category 收支分类
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Transaction 交易记录
type Transaction struct {
	ID         string `json:"id"`
	WalletID   string `json:"walletId"`
	CategoryID string `json:"categoryId"`
	Type       string `json:"type"`
	Amount     int64  `json:"amount"`
	Note       string `json:"note,omitempty"`
	Date       string `json:"date"`
}

// Debt 债务，兼容两种请求格式（counterpartyName/totalAmount 与 personName/amount）
type Debt struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	CounterpartyName string `json:"counterpartyName"`
	TotalAmount      int64  `json:"totalAmount"`
	DueDate          string `json:"dueDate,omitempty"`
	Note             string `json:"note,omitempty"`
	Status           string `json:"status"`
}

type userData struct {
	wallets      []*Wallet
	categories   []*Category
	transactions []*Transaction
	debts        []*Debt
}

// Store is the in-memory storage of the mock API, partitioned per user.
type Store struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[string]*User
	data    map[string]*userData
}

// NewStore 创建空存储
func NewStore() *Store {
	return &Store{
		byEmail: make(map[string]*User),
		byID:    make(map[string]*User),
		data:    make(map[string]*userData),
	}
}

// Register creates a user; the email is case-insensitive.
func (s *Store) Register(email, password, name, plan string) (*User, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[key]; ok {
		return nil, ErrEmailTaken
	}
	u := &User{
		ID:       uuid.NewString(),
		Email:    key,
		Name:     name,
		Plan:     plan,
		Created:  time.Now(),
		password: password,
	}
	s.byEmail[key] = u
	s.byID[u.ID] = u
	s.data[u.ID] = &userData{}
	return u, nil
}

// Authenticate 校验邮箱密码
func (s *Store) Authenticate(email, password string) (*User, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byEmail[key]
	if !ok || u.password != password {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// User 按 ID 查找用户
func (s *Store) User(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	return u, ok
}

func (s *Store) userData(userID string) (*userData, error) {
	d, ok := s.data[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// AddWallet 创建钱包
func (s *Store) AddWallet(userID string, w Wallet) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.userData(userID)
	if err != nil {
		return nil, err
	}
	w.ID = uuid.NewString()
	w.Balance = w.InitialBalance
	d.wallets = append(d.wallets, &w)
	return &w, nil
}

// Wallets 返回用户的全部钱包
func (s *Store) Wallets(userID string) []Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[userID]
	if !ok {
		return nil
	}
	out := make([]Wallet, 0, len(d.wallets))
	for _, w := range d.wallets {
		out = append(out, *w)
	}
	return out
}

// AddCategory 创建分类
func (s *Store) AddCategory(userID string, c Category) (*Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.userData(userID)
	if err != nil {
		return nil, err
	}
	c.ID = uuid.NewString()
	d.categories = append(d.categories, &c)
	return &c, nil
}

// Categories 返回用户的全部分类
func (s *Store) Categories(userID string) []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[userID]
	if !ok {
		return nil
	}
	out := make([]Category, 0, len(d.categories))
	for _, c := range d.categories {
		out = append(out, *c)
	}
	return out
}

// AddTransaction records a transaction and adjusts the wallet balance. The
// wallet and category must belong to the user.
func (s *Store) AddTransaction(userID string, t Transaction) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.userData(userID)
	if err != nil {
		return nil, err
	}
	var wallet *Wallet
	for _, w := range d.wallets {
		if w.ID == t.WalletID {
			wallet = w
			break
		}
	}
	if wallet == nil {
		return nil, ErrNotFound
	}
	found := false
	for _, c := range d.categories {
		if c.ID == t.CategoryID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	if t.Type == "EXPENSE" {
		wallet.Balance -= t.Amount
	} else {
		wallet.Balance += t.Amount
	}
	t.ID = uuid.NewString()
	d.transactions = append(d.transactions, &t)
	return &t, nil
}

// Transactions returns the user's transactions, newest date first.
func (s *Store) Transactions(userID string) []Transaction {
	s.mu.RLock()
	d, ok := s.data[userID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	out := make([]Transaction, 0, len(d.transactions))
	for _, t := range d.transactions {
		out = append(out, *t)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// AddDebt 创建债务
func (s *Store) AddDebt(userID string, debt Debt) (*Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.userData(userID)
	if err != nil {
		return nil, err
	}
	debt.ID = uuid.NewString()
	if debt.Status == "" {
		debt.Status = "UNPAID"
	}
	d.debts = append(d.debts, &debt)
	return &debt, nil
}

// Debts 返回用户的全部债务
func (s *Store) Debts(userID string) []Debt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[userID]
	if !ok {
		return nil
	}
	out := make([]Debt, 0, len(d.debts))
	for _, x := range d.debts {
		out = append(out, *x)
	}
	return out
}

// Counts 各类资源的总数
type Counts struct {
	Users        int `json:"users"`
	Wallets      int `json:"wallets"`
	Categories   int `json:"categories"`
	Transactions int `json:"transactions"`
	Debts        int `json:"debts"`
}

// Counts returns totals across all users.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{Users: len(s.byEmail)}
	for _, d := range s.data {
		c.Wallets += len(d.wallets)
		c.Categories += len(d.categories)
		c.Transactions += len(d.transactions)
		c.Debts += len(d.debts)
	}
	return c
}
