package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"aitrader/internal/models"
)

// ============================================================
// PositionRepository Tests
// ============================================================

func positionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "symbol", "side", "quantity", "leverage", "entry_price", "opened_at", "order_id",
		"stop_loss", "take_profit", "partial_close_fraction", "warning_score", "reversal_warning", "peak_pnl_percent",
	})
}

func TestNewPositionRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewPositionRepository(db)
	if repo == nil {
		t.Fatal("NewPositionRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestPositionRepositoryCreate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		position    *models.Position
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			position: &models.Position{
				Symbol:     "BTC",
				Side:       models.SideLong,
				Quantity:   300,
				Leverage:   3,
				EntryPrice: 30000.0,
				OpenedAt:   now,
				OrderID:    "ord-1",
				StopLoss:   29400.0,
				TakeProfit: 33000.0,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO positions`).
					WithArgs("BTC", models.SideLong, 300.0, 3, 30000.0, now, "ord-1",
						29400.0, 33000.0, 0.0, 0.0, false, 0.0).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
			expectError: false,
		},
		{
			name: "duplicate key",
			position: &models.Position{
				Symbol:   "BTC",
				Side:     models.SideLong,
				OpenedAt: now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO positions`).
					WillReturnError(errors.New("duplicate key value violates unique constraint"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewPositionRepository(db)
			err = repo.Create(tt.position)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.position.ID != 1 {
					t.Errorf("expected ID=1, got %d", tt.position.ID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPositionRepositoryGetBySymbolSide(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		symbol      string
		side        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name:   "success",
			symbol: "BTC",
			side:   models.SideLong,
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := positionRows().
					AddRow(1, "BTC", "long", 300.0, 3, 30000.0, now, "ord-1", 29400.0, 33000.0, 0.0, 0.0, false, 2.5)
				mock.ExpectQuery(`SELECT .+ FROM positions WHERE symbol = \$1 AND side = \$2`).
					WithArgs("BTC", models.SideLong).
					WillReturnRows(rows)
			},
		},
		{
			name:   "not found",
			symbol: "ETH",
			side:   models.SideShort,
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM positions WHERE symbol = \$1 AND side = \$2`).
					WithArgs("ETH", models.SideShort).
					WillReturnRows(positionRows())
			},
			expectError: ErrPositionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewPositionRepository(db)
			position, err := repo.GetBySymbolSide(tt.symbol, tt.side)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if position.Symbol != tt.symbol || position.Side != tt.side {
					t.Errorf("wrong position returned: %s %s", position.Symbol, position.Side)
				}
				if position.PeakPnlPercent != 2.5 {
					t.Errorf("expected peak pnl 2.5, got %f", position.PeakPnlPercent)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPositionRepositoryUpdateStops(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE positions SET stop_loss = \$1, take_profit = \$2`).
		WithArgs(29500.0, 33000.0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPositionRepository(db)
	if err := repo.UpdateStops(1, 29500.0, 33000.0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPositionRepositoryUpdateStopsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE positions SET stop_loss = \$1, take_profit = \$2`).
		WithArgs(29500.0, 33000.0, 99).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPositionRepository(db)
	err = repo.UpdateStops(99, 29500.0, 33000.0)
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPositionRepositoryGetAll(t *testing.T) {
	now := time.Now()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := positionRows().
		AddRow(1, "BTC", "long", 300.0, 3, 30000.0, now, "ord-1", 29400.0, 33000.0, 0.0, 0.0, false, 0.0).
		AddRow(2, "ETH", "short", 10.0, 5, 2000.0, now, "ord-2", 2060.0, 1800.0, 0.33, 45.0, false, 1.2)
	mock.ExpectQuery(`SELECT .+ FROM positions ORDER BY opened_at`).
		WillReturnRows(rows)

	repo := NewPositionRepository(db)
	positions, err := repo.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[1].PartialCloseFraction != 0.33 {
		t.Errorf("expected partial fraction 0.33, got %f", positions[1].PartialCloseFraction)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
