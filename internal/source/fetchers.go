package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

func notFoundOr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("fetching %s: %w", what, err)
}

func centsToText(cents int64, currency string) string {
	return fmt.Sprintf("%s %.2f", currency, float64(cents)/100)
}

func fetchTicket(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		ticketID    int64
		customerID  *int64
		assigneeID  *int64
		threadID    *string
		subject     string
		description string
		status      string
		channel     string
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT id, customer_id, assignee_id, thread_id, subject, description,
		        status, channel, created_at, updated_at
		   FROM tickets WHERE id = $1`, id).
		Scan(&ticketID, &customerID, &assigneeID, &threadID, &subject, &description,
			&status, &channel, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "ticket "+id)
	}

	return &Input{
		Type:        TypeTicket,
		SourceID:    id,
		URI:         "/tickets/" + id,
		CustomerID:  customerID,
		TicketID:    &ticketID,
		ThreadID:    deref(threadID),
		Sensitivity: SensitivityPublic,
		OwnerUserID: assigneeID,
		Title:       subject,
		Content:     subject + "\n\n" + description,
		Metadata: map[string]string{
			"status":  status,
			"channel": channel,
		},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchComment(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		ticketID   int64
		customerID *int64
		threadID   *string
		authorID   *int64
		body       string
		isInternal bool
		subject    string
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT c.ticket_id, t.customer_id, t.thread_id, c.author_id, c.body,
		        c.is_internal, t.subject, c.created_at, c.updated_at
		   FROM ticket_comments c
		   JOIN tickets t ON t.id = c.ticket_id
		  WHERE c.id = $1`, id).
		Scan(&ticketID, &customerID, &threadID, &authorID, &body,
			&isInternal, &subject, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "comment "+id)
	}

	sensitivity := SensitivityPublic
	if isInternal {
		sensitivity = SensitivityInternal
	}

	return &Input{
		Type:            TypeComment,
		SourceID:        id,
		URI:             "/tickets/" + strconv.FormatInt(ticketID, 10) + "#comment-" + id,
		CustomerID:      customerID,
		TicketID:        &ticketID,
		ThreadID:        deref(threadID),
		Sensitivity:     sensitivity,
		OwnerUserID:     authorID,
		Title:           "Re: " + subject,
		Content:         body,
		Metadata:        map[string]string{},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchEmail(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		customerID *int64
		ticketID   *int64
		threadID   *string
		messageID  *string
		inReplyTo  *string
		from       string
		subject    string
		bodyHTML   string
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT customer_id, ticket_id, thread_id, message_id, in_reply_to,
		        from_address, subject, body_html, created_at, updated_at
		   FROM emails WHERE id = $1`, id).
		Scan(&customerID, &ticketID, &threadID, &messageID, &inReplyTo,
			&from, &subject, &bodyHTML, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "email "+id)
	}

	metadata := map[string]string{"from": from}
	if messageID != nil {
		metadata["message_id"] = *messageID
	}
	if inReplyTo != nil {
		metadata["in_reply_to"] = *inReplyTo
	}

	return &Input{
		Type:            TypeEmail,
		SourceID:        id,
		URI:             "/emails/" + id,
		CustomerID:      customerID,
		TicketID:        ticketID,
		ThreadID:        deref(threadID),
		Sensitivity:     SensitivityPublic,
		Title:           subject,
		Content:         subject + "\n\n" + bodyHTML,
		Metadata:        metadata,
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchOrder(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		orderID     int64
		customerID  *int64
		orderNumber string
		status      string
		totalCents  int64
		currency    string
		placedAt    *time.Time
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT id, customer_id, order_number, status, total_cents, currency,
		        placed_at, created_at, updated_at
		   FROM orders WHERE id = $1`, id).
		Scan(&orderID, &customerID, &orderNumber, &status, &totalCents, &currency,
			&placedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "order "+id)
	}

	var lines []string
	rows, err := db.Query(ctx,
		`SELECT sku, name, quantity FROM order_line_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetching order %s line items: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sku, name string
			quantity  int
		)
		if err := rows.Scan(&sku, &name, &quantity); err != nil {
			return nil, fmt.Errorf("scanning order %s line item: %w", id, err)
		}
		lines = append(lines, fmt.Sprintf("%dx %s (%s)", quantity, name, sku))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading order %s line items: %w", id, err)
	}

	content := fmt.Sprintf("Order %s, status %s, total %s.",
		orderNumber, status, centsToText(totalCents, currency))
	if len(lines) > 0 {
		content += "\nItems: " + strings.Join(lines, ", ")
	}

	return &Input{
		Type:        TypeOrder,
		SourceID:    id,
		URI:         "/orders/" + id,
		CustomerID:  customerID,
		Sensitivity: SensitivityPublic,
		Title:       "Order " + orderNumber,
		Content:     content,
		Metadata: map[string]string{
			"order_number": orderNumber,
			"status":       status,
		},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchInvoice(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		customerID    *int64
		invoiceNumber string
		status        string
		totalCents    int64
		dueAt         *time.Time
		createdAt     time.Time
		updatedAt     time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT customer_id, invoice_number, status, total_cents, due_at,
		        created_at, updated_at
		   FROM invoices WHERE id = $1`, id).
		Scan(&customerID, &invoiceNumber, &status, &totalCents, &dueAt,
			&createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "invoice "+id)
	}

	content := fmt.Sprintf("Invoice %s, status %s, total %s.",
		invoiceNumber, status, centsToText(totalCents, "USD"))
	if dueAt != nil {
		content += " Due " + dueAt.Format("2006-01-02") + "."
	}

	return &Input{
		Type:        TypeInvoice,
		SourceID:    id,
		URI:         "/invoices/" + id,
		CustomerID:  customerID,
		Sensitivity: SensitivityPublic,
		Title:       "Invoice " + invoiceNumber,
		Content:     content,
		Metadata: map[string]string{
			"invoice_number": invoiceNumber,
			"status":         status,
		},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchEstimate(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		customerID     *int64
		estimateNumber string
		status         string
		totalCents     int64
		createdAt      time.Time
		updatedAt      time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT customer_id, estimate_number, status, total_cents, created_at, updated_at
		   FROM estimates WHERE id = $1`, id).
		Scan(&customerID, &estimateNumber, &status, &totalCents, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "estimate "+id)
	}

	return &Input{
		Type:        TypeEstimate,
		SourceID:    id,
		URI:         "/estimates/" + id,
		CustomerID:  customerID,
		Sensitivity: SensitivityPublic,
		Title:       "Estimate " + estimateNumber,
		Content: fmt.Sprintf("Estimate %s, status %s, total %s.",
			estimateNumber, status, centsToText(totalCents, "USD")),
		Metadata: map[string]string{
			"estimate_number": estimateNumber,
			"status":          status,
		},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchShipment(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		customerID     *int64
		trackingNumber string
		carrier        string
		status         string
		shippedAt      *time.Time
		createdAt      time.Time
		updatedAt      time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT customer_id, tracking_number, carrier, status, shipped_at,
		        created_at, updated_at
		   FROM shipments WHERE id = $1`, id).
		Scan(&customerID, &trackingNumber, &carrier, &status, &shippedAt,
			&createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "shipment "+id)
	}

	content := fmt.Sprintf("Shipment %s via %s, status %s.", trackingNumber, carrier, status)
	if shippedAt != nil {
		content += " Shipped " + shippedAt.Format("2006-01-02") + "."
	}

	return &Input{
		Type:        TypeShipment,
		SourceID:    id,
		URI:         "/shipments/" + id,
		CustomerID:  customerID,
		Sensitivity: SensitivityPublic,
		Title:       "Shipment " + trackingNumber,
		Content:     content,
		Metadata: map[string]string{
			"tracking_number": trackingNumber,
			"carrier":         carrier,
			"status":          status,
		},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func fetchCustomer(ctx context.Context, db querier, id string) (*Input, error) {
	var (
		customerID int64
		name       string
		email      *string
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := db.QueryRow(ctx,
		`SELECT id, name, email, created_at, updated_at FROM customers WHERE id = $1`, id).
		Scan(&customerID, &name, &email, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundOr(err, "customer "+id)
	}

	content := "Customer profile: " + name + "."
	if email != nil {
		content += " Contact: " + *email + "."
	}

	return &Input{
		Type:            TypeCustomer,
		SourceID:        id,
		URI:             "/customers/" + id,
		CustomerID:      &customerID,
		Sensitivity:     SensitivityInternal,
		Title:           name,
		Content:         content,
		Metadata:        map[string]string{},
		RecordCreatedAt: createdAt,
		RecordUpdatedAt: updatedAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
