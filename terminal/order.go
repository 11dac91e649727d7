package terminal

import (
	"context"
	"fmt"
)

// DefaultDeviation is the maximum price slippage, in points, used when a
// request does not set one.
const DefaultDeviation uint64 = 20

// DefaultCloseComment is attached to close requests without a comment.
const DefaultCloseComment = "mtgate close position"

// Validate checks the request against the field rules of its action. It
// never touches a terminal, so malformed requests fail before any login.
func (r OrderRequest) Validate() error {
	if r.Action == ActionUnset {
		return Errorf(KindValidation, "'action' is a required field")
	}
	if _, ok := actionNames[r.Action]; !ok {
		return Errorf(KindValidation, "unknown action %d", int(r.Action))
	}
	if r.Magic == nil {
		return Errorf(KindValidation, "'magic' is a required field")
	}
	if r.Symbol == "" && r.Action != ActionModify && r.Action != ActionRemove {
		return Errorf(KindValidation, "'symbol' is a required field when placing or closing orders")
	}
	if r.Volume == nil && r.Action == ActionDeal {
		return Errorf(KindValidation, "'volume' is a required field when placing a deal")
	}
	if r.Volume != nil && *r.Volume <= 0 {
		return Errorf(KindValidation, "'volume' must be positive")
	}
	if r.Price == nil && r.Action == ActionPending {
		return Errorf(KindValidation, "'price' is a required field when placing a pending order")
	}
	if r.Type == OrderTypeUnset {
		return Errorf(KindValidation, "'type' is a required field")
	}
	if r.TypeFilling == FillingUnset {
		return Errorf(KindValidation, "'type_filling' is a required field")
	}
	if r.TypeTime == TimeUnset {
		return Errorf(KindValidation, "'type_time' is a required field")
	}
	if r.TypeTime == TimeSpecified && r.Expiration == nil {
		return Errorf(KindValidation, "'expiration' is required when 'type_time' is specified")
	}
	return nil
}

func (r OrderRequest) withDefaults() OrderRequest {
	if r.Deviation == nil {
		d := DefaultDeviation
		r.Deviation = &d
	}
	return r
}

// PlaceOrder validates req, makes sure its symbol is visible in the
// terminal and sends it. A request the trade server refuses comes back as
// a KindOrderRejected error carrying the retcode; the result is returned
// alongside for diagnostics.
func PlaceOrder(ctx context.Context, t Terminal, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	req = req.withDefaults()

	if req.Symbol != "" {
		if err := t.SelectSymbol(ctx, req.Symbol); err != nil {
			return OrderResult{}, fmt.Errorf("select %s: %w", req.Symbol, err)
		}
	}

	res, err := t.SendOrder(ctx, req)
	if err != nil {
		return OrderResult{}, err
	}
	if !res.Retcode.Success() {
		return res, rejected(res)
	}
	return res, nil
}

// ClosePosition offsets the position identified by req.Ticket with an
// opposite market deal. Volume defaults to the full position volume.
func ClosePosition(ctx context.Context, t Terminal, req CloseRequest) (OrderResult, error) {
	if req.Ticket == 0 {
		return OrderResult{}, Errorf(KindValidation, "'ticket' is a required field")
	}
	if req.Volume != nil && *req.Volume <= 0 {
		return OrderResult{}, Errorf(KindValidation, "'volume' must be positive")
	}

	positions, err := t.Positions(ctx, PositionFilter{Ticket: req.Ticket})
	if err != nil {
		return OrderResult{}, err
	}
	if len(positions) == 0 {
		return OrderResult{}, Errorf(KindNotFound, "position with ticket %d not found", req.Ticket)
	}
	pos := positions[0]

	side, ok := pos.Type.OrderType().Opposite()
	if !ok {
		return OrderResult{}, Errorf(KindValidation, "unsupported position type %q", pos.Type)
	}

	volume := pos.Volume
	if req.Volume != nil {
		volume = *req.Volume
	}
	symbol := req.Symbol
	if symbol == "" {
		symbol = pos.Symbol
	}
	comment := req.Comment
	if comment == "" {
		comment = DefaultCloseComment
	}
	ticket := req.Ticket

	order := OrderRequest{
		Action:      ActionDeal,
		Symbol:      symbol,
		Volume:      &volume,
		Type:        side,
		Position:    &ticket,
		Deviation:   req.Deviation,
		Comment:     comment,
		TypeFilling: FillingFOK,
		TypeTime:    TimeGTC,
	}.withDefaults()

	res, err := t.SendOrder(ctx, order)
	if err != nil {
		return OrderResult{}, err
	}
	if !res.Retcode.Success() {
		return res, rejected(res)
	}
	return res, nil
}

func rejected(res OrderResult) *Error {
	msg := res.Comment
	if msg == "" {
		msg = res.Retcode.String()
	}
	return Errorf(KindOrderRejected, "%s", msg).WithCode(int(res.Retcode))
}
