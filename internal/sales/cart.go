package sales

import (
	"context"

	"sales_engine/internal/store"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CartProvider is the cart collaborator. Both calls receive the checkout
// transaction, so a failed checkout leaves the cart untouched.
type CartProvider interface {
	ReadCart(ctx context.Context, tx *gorm.DB, userID string) ([]CartLine, error)
	ClearCart(ctx context.Context, tx *gorm.DB, userID string) error
}

// GormCart keeps carts in the cart_items table of the engine's own store.
type GormCart struct{}

func NewGormCart() *GormCart {
	return &GormCart{}
}

func (GormCart) ReadCart(ctx context.Context, tx *gorm.DB, userID string) ([]CartLine, error) {
	var items []CartItemModel
	err := store.ForUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, errors.Wrapf(err, "read cart of user %s", userID)
	}

	lines := make([]CartLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, CartLine{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: roundMoney(it.UnitPrice),
		})
	}
	return lines, nil
}

func (GormCart) ClearCart(ctx context.Context, tx *gorm.DB, userID string) error {
	err := tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&CartItemModel{}).Error
	return errors.Wrapf(err, "clear cart of user %s", userID)
}

// Add appends a line to the user's cart.
func (GormCart) Add(ctx context.Context, db *gorm.DB, userID string, line CartLine) error {
	err := db.WithContext(ctx).Omit("Product").Create(&CartItemModel{
		UserID:    userID,
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
		UnitPrice: roundMoney(line.UnitPrice),
	}).Error
	return errors.Wrapf(err, "add product %d to cart of user %s", line.ProductID, userID)
}
