package handlers

import (
	"net/http"

	"brokerage/internal/models"
)

// BrokerLister - источник справочника брокеров
type BrokerLister interface {
	ListBrokers() []models.Broker
}

// BrokerHandler отдает справочник брокеров
//
// Endpoints:
// - GET /brokers - список поддерживаемых брокеров
type BrokerHandler struct {
	brokers BrokerLister
}

// NewBrokerHandler создает новый BrokerHandler
func NewBrokerHandler(brokers BrokerLister) *BrokerHandler {
	return &BrokerHandler{brokers: brokers}
}

// GetBrokers возвращает список брокеров
// GET /brokers
//
// Ответ:
//
//	[
//	  {
//	    "id": 1,
//	    "name": "Tradier Sandbox",
//	    "kind": "tradier",
//	    "base_url": "https://sandbox.tradier.com",
//	    "is_live_mode": false
//	  }
//	]
func (h *BrokerHandler) GetBrokers(w http.ResponseWriter, r *http.Request) {
	brokers := h.brokers.ListBrokers()
	if brokers == nil {
		brokers = []models.Broker{}
	}
	respondWithJSON(w, http.StatusOK, brokers)
}
