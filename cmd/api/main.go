// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
)

func main() {
	loyaltyServiceURL, _ := url.Parse(getEnv("LOYALTY_SERVICE_URL", "http://localhost:8084"))
	reminderServiceURL, _ := url.Parse(getEnv("REMINDER_SERVICE_URL", "http://localhost:8085"))

	loyaltyProxy := httputil.NewSingleHostReverseProxy(loyaltyServiceURL)
	reminderProxy := httputil.NewSingleHostReverseProxy(reminderServiceURL)

	http.Handle("/api/v1/loyalty/", http.StripPrefix("/api/v1/loyalty", loyaltyProxy))
	http.Handle("/api/v1/reminders/", http.StripPrefix("/api/v1/reminders", reminderProxy))

	port := getEnv("PORT", "8080")
	log.Printf("API Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
