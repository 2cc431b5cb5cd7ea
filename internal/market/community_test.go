package market

import "testing"

func TestCommunityCreateOrderRejectsTimeoutOverMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrderTimeout = 1000 // 1000ns, trivially small
	c := NewCommunity(testTrader(1), cfg, nil, nil, nil)

	pair := testPair(t, 1, 2)
	if _, err := c.CreateOrder(pair, true, 60_000); err == nil {
		t.Fatal("CreateOrder() with an over-budget timeout did not error")
	}
}

func TestCommunityCreateOrderTracksAndCancels(t *testing.T) {
	c := NewCommunity(testTrader(1), DefaultConfig(), nil, nil, nil)

	pair := testPair(t, 1, 2)
	order, err := c.CreateOrder(pair, true, 60_000)
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if order.Status() != OrderUnverified && order.Status() != OrderOpen {
		t.Errorf("new order status = %v, want unverified or open", order.Status())
	}

	snaps := c.Orders()
	if len(snaps) != 1 {
		t.Fatalf("Orders() returned %d snapshots, want 1", len(snaps))
	}
	if snaps[0].OrderId != order.ID() {
		t.Errorf("Orders()[0].OrderId = %v, want %v", snaps[0].OrderId, order.ID())
	}

	c.CancelOrder(order.ID())
	if c.Order(order.ID()).Status() != OrderCancelled {
		t.Errorf("order status after CancelOrder() = %v, want %v", c.Order(order.ID()).Status(), OrderCancelled)
	}
}

func TestCommunityTransactionsEmptyByDefault(t *testing.T) {
	c := NewCommunity(testTrader(1), DefaultConfig(), nil, nil, nil)
	if got := c.Transactions(); len(got) != 0 {
		t.Errorf("Transactions() on a fresh Community returned %d entries, want 0", len(got))
	}
}
