package storage

import (
	"os"
	"testing"
)

func newTransactionsTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "klingon-transactions-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testTransactionRecord(id string) *TransactionRecord {
	return &TransactionRecord{
		TransactionID:     id,
		OrderID:           "order-1",
		PartnerOrderID:    "order-2",
		BaseAsset:         "BTC",
		AgreedBaseAmount:  1,
		AgreedQuoteAmount: 50000,
		Status:            "pending",
	}
}

func TestCreateAndGetTransaction(t *testing.T) {
	store := newTransactionsTestStorage(t)
	tx := testTransactionRecord("tx-1")

	if err := store.CreateTransaction(tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	got, err := store.GetTransaction("tx-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetTransaction() returned nil for a created transaction")
	}
	if got.Status != "pending" {
		t.Errorf("GetTransaction() status = %s, want pending", got.Status)
	}
	if got.TransferredBaseAmount != 0 || got.TransferredQuoteAmount != 0 {
		t.Errorf("GetTransaction() transferred amounts = %d/%d, want 0/0", got.TransferredBaseAmount, got.TransferredQuoteAmount)
	}
}

func TestUpdateTransactionStatusAndTransferred(t *testing.T) {
	store := newTransactionsTestStorage(t)
	tx := testTransactionRecord("tx-2")
	if err := store.CreateTransaction(tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	if err := store.UpdateTransactionStatus("tx-2", "completed"); err != nil {
		t.Fatalf("UpdateTransactionStatus() error = %v", err)
	}
	if err := store.UpdateTransactionTransferred("tx-2", 1, 50000); err != nil {
		t.Fatalf("UpdateTransactionTransferred() error = %v", err)
	}

	got, err := store.GetTransaction("tx-2")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("GetTransaction() status = %s, want completed", got.Status)
	}
	if got.TransferredBaseAmount != 1 || got.TransferredQuoteAmount != 50000 {
		t.Errorf("GetTransaction() transferred = %d/%d, want 1/50000", got.TransferredBaseAmount, got.TransferredQuoteAmount)
	}
}

func TestUpdateTransactionWalletInfo(t *testing.T) {
	store := newTransactionsTestStorage(t)
	tx := testTransactionRecord("tx-3")
	if err := store.CreateTransaction(tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	if err := store.UpdateTransactionWalletInfo("tx-3", true, false, "addr-in", "addr-out", "", ""); err != nil {
		t.Fatalf("UpdateTransactionWalletInfo() error = %v", err)
	}

	got, err := store.GetTransaction("tx-3")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.SentWalletInfo || got.ReceivedWalletInfo {
		t.Errorf("GetTransaction() wallet info sent/received = %v/%v, want true/false", got.SentWalletInfo, got.ReceivedWalletInfo)
	}
	if got.IncomingAddress != "addr-in" || got.OutgoingAddress != "addr-out" {
		t.Errorf("GetTransaction() addresses = %s/%s, want addr-in/addr-out", got.IncomingAddress, got.OutgoingAddress)
	}
}

func TestListTransactionsFiltersByOrderID(t *testing.T) {
	store := newTransactionsTestStorage(t)

	a := testTransactionRecord("tx-a")
	a.OrderID, a.PartnerOrderID = "order-A", "order-B"
	b := testTransactionRecord("tx-b")
	b.OrderID, b.PartnerOrderID = "order-C", "order-D"

	if err := store.CreateTransaction(a); err != nil {
		t.Fatalf("CreateTransaction(a) error = %v", err)
	}
	if err := store.CreateTransaction(b); err != nil {
		t.Fatalf("CreateTransaction(b) error = %v", err)
	}

	all, err := store.ListTransactions("", 10)
	if err != nil {
		t.Fatalf("ListTransactions(\"\") error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListTransactions(\"\") returned %d, want 2", len(all))
	}

	filtered, err := store.ListTransactions("order-A", 10)
	if err != nil {
		t.Fatalf("ListTransactions(order-A) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].TransactionID != "tx-a" {
		t.Errorf("ListTransactions(order-A) = %+v, want only tx-a", filtered)
	}
}

func TestRecordAndListPayments(t *testing.T) {
	store := newTransactionsTestStorage(t)
	tx := testTransactionRecord("tx-4")
	if err := store.CreateTransaction(tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	p1 := &PaymentRecord{TransactionID: "tx-4", PaymentID: "pay-1", Asset: "BTC", Amount: 1, Success: true}
	p2 := &PaymentRecord{TransactionID: "tx-4", PaymentID: "pay-2", Asset: "USD", Amount: 50000, Success: true}

	if err := store.RecordPayment(p1); err != nil {
		t.Fatalf("RecordPayment(p1) error = %v", err)
	}
	if err := store.RecordPayment(p2); err != nil {
		t.Fatalf("RecordPayment(p2) error = %v", err)
	}

	payments, err := store.ListPayments("tx-4")
	if err != nil {
		t.Fatalf("ListPayments() error = %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("ListPayments() returned %d, want 2", len(payments))
	}
	if payments[0].PaymentID != "pay-1" || payments[1].PaymentID != "pay-2" {
		t.Errorf("ListPayments() order = %+v, want [pay-1, pay-2]", payments)
	}
}
