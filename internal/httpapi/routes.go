package httpapi

import "net/http"

// routes binds its selected HTTP surface to handlers.
func (s *Server) routes() {
	s.router.Use(RequestLogger)
	s.router.Use(Recoverer)
	s.router.Use(JSONHeaders)

	s.router.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{oid}/claim", s.handleClaimOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{oid}/pay", s.handlePayOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{oid}", s.handleGetOrder).Methods(http.MethodGet)
	s.router.HandleFunc("/orders/{oid}/refund", s.handleIncreaseRefund).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{oid}/refund", s.handleRefundPickup).Methods(http.MethodGet)

	s.router.HandleFunc("/transfers", s.handleTrackTransfer).Methods(http.MethodGet)

	s.router.HandleFunc("/tips/authorize", s.handleTipAuthorize).Methods(http.MethodPost)
	s.router.HandleFunc("/tips/{tip_id}/pickup", s.handleTipPickup).Methods(http.MethodPost)
	s.router.HandleFunc("/tips", s.handleTipQuery).Methods(http.MethodGet)
}
