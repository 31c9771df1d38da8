package api

import (
    "fmt"

    "mealtrack/internal/model"
)

// validateOrderIn rejects structurally broken checkout handoffs before they
// reach the store.
func validateOrderIn(in *model.OrderIn) error {
    if in.RestaurantID == "" { return fmt.Errorf("restaurantId required") }
    if in.CustomerID == "" { return fmt.Errorf("customerId required") }
    if len(in.Items) == 0 { return fmt.Errorf("at least one item required") }
    for i, it := range in.Items {
        if it.Name == "" { return fmt.Errorf("items[%d].name required", i) }
        if it.Quantity <= 0 { return fmt.Errorf("items[%d].quantity must be positive", i) }
        if it.Price < 0 { return fmt.Errorf("items[%d].price must not be negative", i) }
    }
    if in.Address.Street == "" || in.Address.City == "" {
        return fmt.Errorf("deliveryAddress street and city required")
    }
    return nil
}

// validatePosition bounds-checks an incoming GPS fix.
func validatePosition(p model.GeoPosition) error {
    if p.Lat < -90 || p.Lat > 90 { return fmt.Errorf("lat out of range") }
    if p.Lng < -180 || p.Lng > 180 { return fmt.Errorf("lng out of range") }
    if p.Accuracy < 0 { return fmt.Errorf("accuracy must not be negative") }
    return nil
}
