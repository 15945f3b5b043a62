package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/core/service"
)

// JSONCodecName is the content-subtype clients pass with
// grpc.CallContentSubtype to reach this service.
const JSONCodecName = "json"

const transactionServiceName = "pos.v1.TransactionService"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type GRPCLineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price,omitempty"`
	Subtotal  string `json:"subtotal,omitempty"`
}

type CreateTransactionRequest struct {
	RequestID     string         `json:"request_id"`
	Items         []GRPCLineItem `json:"items"`
	PaymentMethod string         `json:"payment_method"`
}

type GetTransactionRequest struct {
	ID string `json:"id"`
}

type ListTransactionsRequest struct{}

type VoidTransactionRequest struct {
	ID string `json:"id"`
}

type TransactionReply struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Status        string         `json:"status"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	Items         []GRPCLineItem `json:"items"`
	Subtotal      string         `json:"subtotal"`
	Tax           string         `json:"tax"`
	Total         string         `json:"total"`
	CreatedAtUnix int64          `json:"created_at_unix"`
}

type ListTransactionsReply struct {
	Transactions []*TransactionReply `json:"transactions"`
}

type VoidTransactionReply struct {
	Transaction *TransactionReply      `json:"transaction"`
	Warnings    []*ReversalWarningJSON `json:"warnings,omitempty"`
}

type TransactionServer interface {
	CreateTransaction(context.Context, *CreateTransactionRequest) (*TransactionReply, error)
	GetTransaction(context.Context, *GetTransactionRequest) (*TransactionReply, error)
	ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsReply, error)
	VoidTransaction(context.Context, *VoidTransactionRequest) (*VoidTransactionReply, error)
}

type GRPCHandler struct {
	transactions *service.TransactionService
	log          *zap.Logger
}

func NewGRPCHandler(transactions *service.TransactionService, log *zap.Logger) *GRPCHandler {
	return &GRPCHandler{transactions: transactions, log: log}
}

func (h *GRPCHandler) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*TransactionReply, error) {
	principal, err := principalFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItem{ProductID: item.ProductID, Quantity: int(item.Quantity)})
	}

	tx, err := h.transactions.CreateTransaction(ctx, principal, service.CreateTransactionRequest{
		Items:          items,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.RequestID,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toTransactionReply(*tx), nil
}

func (h *GRPCHandler) GetTransaction(ctx context.Context, req *GetTransactionRequest) (*TransactionReply, error) {
	principal, err := principalFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	tx, err := h.transactions.GetTransaction(ctx, principal, req.ID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toTransactionReply(*tx), nil
}

func (h *GRPCHandler) ListTransactions(ctx context.Context, _ *ListTransactionsRequest) (*ListTransactionsReply, error) {
	principal, err := principalFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	txs, err := h.transactions.ListTransactions(ctx, principal)
	if err != nil {
		return nil, h.toStatus(err)
	}

	reply := &ListTransactionsReply{Transactions: make([]*TransactionReply, 0, len(txs))}
	for _, tx := range txs {
		reply.Transactions = append(reply.Transactions, toTransactionReply(tx))
	}
	return reply, nil
}

func (h *GRPCHandler) VoidTransaction(ctx context.Context, req *VoidTransactionRequest) (*VoidTransactionReply, error) {
	principal, err := principalFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	result, err := h.transactions.VoidTransaction(ctx, principal, req.ID)
	if err != nil {
		return nil, h.toStatus(err)
	}

	reply := &VoidTransactionReply{Transaction: toTransactionReply(result.Transaction)}
	for _, w := range result.Warnings {
		reply.Warnings = append(reply.Warnings, &ReversalWarningJSON{ProductID: w.ProductID, Quantity: w.Quantity, Reason: w.Reason})
	}
	return reply, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	var code codes.Code
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		code = codes.NotFound
	case domain.KindInsufficientStock, domain.KindInvalidOperation:
		code = codes.FailedPrecondition
	case domain.KindInvalidArgument:
		code = codes.InvalidArgument
	case domain.KindUnauthorized:
		code = codes.PermissionDenied
	case domain.KindConflict:
		code = codes.AlreadyExists
	default:
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		h.log.Error("grpc request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func toTransactionReply(tx domain.Transaction) *TransactionReply {
	items := make([]GRPCLineItem, 0, len(tx.Items))
	for _, item := range tx.Items {
		items = append(items, GRPCLineItem{
			ProductID: item.ProductID,
			Quantity:  int32(item.Quantity),
			UnitPrice: item.UnitPrice.StringFixed(2),
			Subtotal:  item.Subtotal.StringFixed(2),
		})
	}
	return &TransactionReply{
		ID:            tx.ID,
		UserID:        tx.UserID,
		Status:        string(tx.Status),
		PaymentMethod: tx.PaymentMethod,
		Items:         items,
		Subtotal:      tx.Subtotal.StringFixed(2),
		Tax:           tx.Tax.StringFixed(2),
		Total:         tx.Total.StringFixed(2),
		CreatedAtUnix: tx.CreatedAt.Unix(),
	}
}

// RegisterTransactionServer attaches srv to a gRPC server.
func RegisterTransactionServer(s grpc.ServiceRegistrar, srv TransactionServer) {
	s.RegisterService(&transactionServiceDesc, srv)
}

var transactionServiceDesc = grpc.ServiceDesc{
	ServiceName: transactionServiceName,
	HandlerType: (*TransactionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTransaction", Handler: unaryHandler("CreateTransaction", TransactionServer.CreateTransaction)},
		{MethodName: "GetTransaction", Handler: unaryHandler("GetTransaction", TransactionServer.GetTransaction)},
		{MethodName: "ListTransactions", Handler: unaryHandler("ListTransactions", TransactionServer.ListTransactions)},
		{MethodName: "VoidTransaction", Handler: unaryHandler("VoidTransaction", TransactionServer.VoidTransaction)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pos/v1/transaction.proto",
}

func unaryHandler[Req, Resp any](method string, call func(TransactionServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + transactionServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TransactionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TransactionServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TransactionClient calls TransactionService over a connection using the JSON codec.
type TransactionClient struct {
	cc grpc.ClientConnInterface
}

func NewTransactionClient(cc grpc.ClientConnInterface) *TransactionClient {
	return &TransactionClient{cc: cc}
}

func (c *TransactionClient) CreateTransaction(ctx context.Context, in *CreateTransactionRequest, opts ...grpc.CallOption) (*TransactionReply, error) {
	out := new(TransactionReply)
	return out, c.invoke(ctx, "CreateTransaction", in, out, opts)
}

func (c *TransactionClient) GetTransaction(ctx context.Context, in *GetTransactionRequest, opts ...grpc.CallOption) (*TransactionReply, error) {
	out := new(TransactionReply)
	return out, c.invoke(ctx, "GetTransaction", in, out, opts)
}

func (c *TransactionClient) ListTransactions(ctx context.Context, in *ListTransactionsRequest, opts ...grpc.CallOption) (*ListTransactionsReply, error) {
	out := new(ListTransactionsReply)
	return out, c.invoke(ctx, "ListTransactions", in, out, opts)
}

func (c *TransactionClient) VoidTransaction(ctx context.Context, in *VoidTransactionRequest, opts ...grpc.CallOption) (*VoidTransactionReply, error) {
	out := new(VoidTransactionReply)
	return out, c.invoke(ctx, "VoidTransaction", in, out, opts)
}

func (c *TransactionClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+transactionServiceName+"/"+method, in, out, opts...)
}

// UnaryTimeout bounds every unary call handled by the server.
func UnaryTimeout(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}
