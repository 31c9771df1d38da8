// Package main runs a demo client: it creates an order, walks it through
// the lifecycle, and streams positions over the delivery websocket.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func call(method, base, path, token string, body []byte, out any) {
	req, _ := http.NewRequest(method, base+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s -> %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatal(err)
		}
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Create an order as the checkout collaborator would
	orderBody := []byte(`{
		"restaurantId":"rest_demo","customerId":"cust_demo",
		"items":[{"name":"Pad Thai","quantity":1,"price":14.5}],
		"deliveryAddress":{"lat":40.73,"lng":-73.99,"street":"1 Main St","city":"New York"},
		"totalPrice":14.5,"paymentMethod":"card"
	}`)
	var order struct {
		ID string `json:"id"`
	}
	call(http.MethodPost, base, "/v1/orders", "admin", orderBody, &order)
	log.Printf("Order ID: %s", order.ID)

	// Kitchen-side transitions
	for _, status := range []string{"confirmed", "preparing", "out_for_delivery"} {
		call(http.MethodPatch, base, "/v1/orders/"+order.ID, "restaurant:rest_demo",
			[]byte(fmt.Sprintf(`{"status":%q}`, status)), nil)
	}

	// Driver claims and departs
	var delivery struct {
		ID string `json:"id"`
	}
	call(http.MethodPost, base, "/v1/deliveries/assign-driver", "driver:drv_demo",
		[]byte(fmt.Sprintf(`{"orderId":%q}`, order.ID)), &delivery)
	log.Printf("Delivery ID: %s", delivery.ID)
	call(http.MethodPatch, base, "/v1/deliveries/"+delivery.ID+"/status", "driver:drv_demo",
		[]byte(`{"status":"on_the_way","expectedStatus":"assigned"}`), nil)

	// Push a few fixes over the position websocket
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/deliveries/" + delivery.ID + "/positions"}
	q := u.Query()
	q.Set("access_token", "driver:drv_demo")
	u.RawQuery = q.Encode()
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal(err)
	}
	lat, lng := 40.7128, -74.0060
	for i := 0; i < 5; i++ {
		msg := map[string]any{"type": "position", "position": map[string]any{
			"lat": lat, "lng": lng, "accuracy": 8.0, "ts": time.Now().UTC().Format(time.RFC3339),
		}}
		if err := c.WriteJSON(msg); err != nil {
			log.Fatal(err)
		}
		log.Printf("pushed fix %d: %.5f,%.5f", i+1, lat, lng)
		lat += 0.0004
		lng += 0.0003
		time.Sleep(500 * time.Millisecond)
	}
	_ = c.Close()

	// Complete: delivery first, then the order as a second call
	call(http.MethodPatch, base, "/v1/deliveries/"+delivery.ID+"/status", "driver:drv_demo",
		[]byte(`{"status":"delivered","expectedStatus":"on_the_way"}`), nil)
	call(http.MethodPatch, base, "/v1/orders/"+order.ID, "driver:drv_demo",
		[]byte(`{"status":"delivered","expectedStatus":"out_for_delivery"}`), nil)
	log.Printf("lifecycle complete")
}
