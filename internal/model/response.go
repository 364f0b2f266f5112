package model

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type PingResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Uptime      float64   `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
}

type AuthMeResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
