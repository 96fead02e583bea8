// Package notify delivers match notifications to donors and keeps the ones
// that could not be delivered.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"bloodnet.org/internal/matching"
)

// ErrNoContact means the donor has no address to deliver to.
var ErrNoContact = errors.New("donor has no contact address")

// Message is a rendered match notification.
type Message struct {
	To         string `json:"to"`
	DonorID    string `json:"donor_id"`
	RequestID  string `json:"request_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ConfirmURL string `json:"confirm_url,omitempty"`
}

// Render builds the message a donor receives when matched. baseURL is the
// public address the confirmation link points at; empty omits the link.
func Render(donor matching.User, req matching.BloodRequest, baseURL string) (Message, error) {
	to := strings.TrimSpace(donor.Email)
	if to == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrNoContact, donor.Username)
	}
	name := donor.FullName
	if name == "" {
		name = donor.Username
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	fmt.Fprintf(&b, "A blood donation request matching your blood type (%s) has been found.\n\n", donor.BloodType)
	fmt.Fprintf(&b, "Quantity needed: %d\n", req.Quantity)
	fmt.Fprintf(&b, "Urgency level: %s\n", req.Urgency)
	if req.HospitalName != "" {
		fmt.Fprintf(&b, "Hospital: %s\n", req.HospitalName)
	}
	if req.LocationDescription != "" {
		fmt.Fprintf(&b, "Location: %s\n", req.LocationDescription)
	}
	if req.HospitalLatitude != nil && req.HospitalLongitude != nil {
		fmt.Fprintf(&b, "Coordinates: %.6f, %.6f\n", *req.HospitalLatitude, *req.HospitalLongitude)
	}
	msg := Message{
		To:        to,
		DonorID:   donor.ID,
		RequestID: req.ID,
		Subject:   "Blood Donation Request Match Found",
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		msg.ConfirmURL = baseURL + "/confirm-donation/" + req.ID
		fmt.Fprintf(&b, "\nIf you can donate, confirm here: %s\n", msg.ConfirmURL)
	}
	b.WriteString("\nThank you for your generosity!\n")
	msg.Body = b.String()
	return msg, nil
}
