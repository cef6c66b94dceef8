package mockapi

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PageBody 列表响应体
type PageBody[T any] struct {
	Content       []T `json:"content"`
	TotalElements int `json:"totalElements"`
}

// AuthResponse 注册/登录响应
type AuthResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Plan   string `json:"plan,omitempty"`
}

// ExportResponse 导出响应，文件内容 base64 编码
type ExportResponse struct {
	FileName string `json:"fileName"`
	Format   string `json:"format"`
	FileSize int    `json:"fileSize"`
	Content  string `json:"content"`
}

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorBody{
		Status:    status,
		Error:     strings.ToUpper(strings.ReplaceAll(strings.ToLower(httpStatusText(status)), " ", "_")),
		Message:   message,
		Path:      c.Path(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func httpStatusText(status int) string {
	if msg := fasthttp.StatusMessage(status); msg != "" {
		return msg
	}
	return "Error"
}

func badRequest(c *fiber.Ctx, field string) error {
	return errorResponse(c, fiber.StatusBadRequest, field+" is required")
}

func page[T any](items []T) PageBody[T] {
	if items == nil {
		items = []T{}
	}
	return PageBody[T]{Content: items, TotalElements: len(items)}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	switch {
	case !strings.Contains(req.Email, "@"):
		return errorResponse(c, fiber.StatusBadRequest, "email must be a well-formed email address")
	case req.Password == "":
		return badRequest(c, "password")
	case req.Name == "":
		return badRequest(c, "name")
	}

	u, err := s.store.Register(req.Email, req.Password, req.Name, s.opts.Plan)
	if errors.Is(err, ErrEmailTaken) {
		return errorResponse(c, fiber.StatusConflict, "Email already registered")
	}
	if err != nil {
		return err
	}
	return s.authResponse(c, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	u, err := s.store.Authenticate(req.Email, req.Password)
	if err != nil {
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid email or password")
	}
	return s.authResponse(c, u)
}

func (s *Server) authResponse(c *fiber.Ctx, u *User) error {
	token, err := s.tokens.Issue(u)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "sign token: "+err.Error())
	}
	return c.JSON(AuthResponse{Token: token, UserID: u.ID, Email: u.Email, Name: u.Name, Plan: u.Plan})
}

func (s *Server) listWallets(c *fiber.Ctx) error {
	return c.JSON(page(s.store.Wallets(currentUserID(c))))
}

func (s *Server) createWallet(c *fiber.Ctx) error {
	var w Wallet
	if err := c.BodyParser(&w); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if w.Name == "" {
		return badRequest(c, "name")
	}
	if w.Currency == "" {
		return badRequest(c, "currency")
	}
	if w.InitialBalance < 0 {
		return errorResponse(c, fiber.StatusBadRequest, "initialBalance must not be negative")
	}
	created, err := s.store.AddWallet(currentUserID(c), w)
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) listCategories(c *fiber.Ctx) error {
	return c.JSON(page(s.store.Categories(currentUserID(c))))
}

func (s *Server) createCategory(c *fiber.Ctx) error {
	var cat Category
	if err := c.BodyParser(&cat); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if cat.Name == "" {
		return badRequest(c, "name")
	}
	if cat.Type != "EXPENSE" && cat.Type != "INCOME" {
		return errorResponse(c, fiber.StatusBadRequest, "type must be EXPENSE or INCOME")
	}
	created, err := s.store.AddCategory(currentUserID(c), cat)
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) listTransactions(c *fiber.Ctx) error {
	return c.JSON(page(s.store.Transactions(currentUserID(c))))
}

func (s *Server) createTransaction(c *fiber.Ctx) error {
	var t Transaction
	if err := c.BodyParser(&t); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	switch {
	case t.WalletID == "":
		return badRequest(c, "walletId")
	case t.CategoryID == "":
		return badRequest(c, "categoryId")
	case t.Type != "EXPENSE" && t.Type != "INCOME":
		return errorResponse(c, fiber.StatusBadRequest, "type must be EXPENSE or INCOME")
	case t.Amount <= 0:
		return errorResponse(c, fiber.StatusBadRequest, "amount must be positive")
	}
	if t.Date == "" {
		t.Date = time.Now().UTC().Format(time.RFC3339)
	}
	created, err := s.store.AddTransaction(currentUserID(c), t)
	if errors.Is(err, ErrNotFound) {
		return errorResponse(c, fiber.StatusNotFound, "wallet or category not found")
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) listDebts(c *fiber.Ctx) error {
	return c.JSON(page(s.store.Debts(currentUserID(c))))
}

type debtRequest struct {
	Type             string `json:"type"`
	CounterpartyName string `json:"counterpartyName"`
	PersonName       string `json:"personName"`
	TotalAmount      int64  `json:"totalAmount"`
	Amount           int64  `json:"amount"`
	DueDate          string `json:"dueDate"`
	Note             string `json:"note"`
	Description      string `json:"description"`
	Status           string `json:"status"`
}

func (r debtRequest) toDebt() Debt {
	d := Debt{
		Type:             r.Type,
		CounterpartyName: r.CounterpartyName,
		TotalAmount:      r.TotalAmount,
		DueDate:          r.DueDate,
		Note:             r.Note,
		Status:           r.Status,
	}
	if d.CounterpartyName == "" {
		d.CounterpartyName = r.PersonName
	}
	if d.TotalAmount == 0 {
		d.TotalAmount = r.Amount
	}
	if d.Note == "" {
		d.Note = r.Description
	}
	return d
}

func (s *Server) createDebt(c *fiber.Ctx) error {
	var req debtRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	d := req.toDebt()
	switch d.Type {
	case "PAYABLE", "RECEIVABLE", "LENT", "BORROWED":
	default:
		return errorResponse(c, fiber.StatusBadRequest, "unknown debt type "+strconv.Quote(d.Type))
	}
	if d.CounterpartyName == "" {
		return badRequest(c, "counterpartyName")
	}
	if d.TotalAmount <= 0 {
		return errorResponse(c, fiber.StatusBadRequest, "totalAmount must be positive")
	}
	created, err := s.store.AddDebt(currentUserID(c), d)
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

type exportRequest struct {
	Format string         `json:"format"`
	Type   string         `json:"type"`
	Filter map[string]any `json:"filter"`
}

// exportTransactions 仅对付费用户开放，免费用户返回 403
func (s *Server) exportTransactions(c *fiber.Ctx) error {
	var req exportRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Type != "" && req.Type != "TRANSACTIONS" {
		return errorResponse(c, fiber.StatusBadRequest, "unsupported export type "+strconv.Quote(req.Type))
	}
	format := strings.ToUpper(req.Format)
	if format != "CSV" && format != "EXCEL" && format != "PDF" {
		return errorResponse(c, fiber.StatusBadRequest, "unsupported export format "+strconv.Quote(req.Format))
	}
	u, _ := s.store.User(currentUserID(c))
	if u == nil || u.Plan != PlanPremium {
		return errorResponse(c, fiber.StatusForbidden,
			"Export functionality is available for PREMIUM users only.")
	}

	data, err := renderTransactions(s.store.Transactions(u.ID))
	if err != nil {
		return err
	}
	return c.JSON(ExportResponse{
		FileName: fmt.Sprintf("transactions_%s.%s", time.Now().Format("20060102_150405"), exportExt(format)),
		Format:   format,
		FileSize: len(data),
		Content:  base64.StdEncoding.EncodeToString(data),
	})
}

// downloadExport 直接下载导出文件
func (s *Server) downloadExport(c *fiber.Ctx) error {
	format := strings.ToUpper(c.Params("format"))
	var contentType string
	switch format {
	case "CSV":
		contentType = "text/csv"
	case "EXCEL":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return errorResponse(c, fiber.StatusNotFound, "unknown export format")
	}
	data, err := renderTransactions(s.store.Transactions(currentUserID(c)))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, "attachment; filename=transactions."+exportExt(format))
	return c.Send(data)
}

func exportExt(format string) string {
	switch format {
	case "EXCEL":
		return "xlsx"
	case "PDF":
		return "pdf"
	}
	return "csv"
}

// renderTransactions 所有格式都用 CSV 内容代替
func renderTransactions(items []Transaction) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "date", "type", "amount", "walletId", "categoryId", "note"}); err != nil {
		return nil, err
	}
	for _, t := range items {
		row := []string{t.ID, t.Date, t.Type, strconv.FormatInt(t.Amount, 10), t.WalletID, t.CategoryID, t.Note}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
