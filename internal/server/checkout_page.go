package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/provider"
)

// checkoutPageHandler renders the demo checkout for a memory-provider payment.
func (s *Server) checkoutPageHandler(c *gin.Context) {
	p, ok := s.rt.Memory.Payment(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown payment",
		})
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := checkoutTmpl.Execute(c.Writer, p); err != nil {
		logging.L(c.Request.Context()).Error("render checkout page", "payment_id", p.ID, "error", err)
	}
}

func (s *Server) checkoutPayHandler(c *gin.Context) {
	s.settleDemoPayment(c, provider.StatusPaid)
}

func (s *Server) checkoutCancelHandler(c *gin.Context) {
	s.settleDemoPayment(c, provider.StatusFailed)
}

// settleDemoPayment moves a pending payment to its final status. A payment
// settles once; later clicks are conflicts.
func (s *Server) settleDemoPayment(c *gin.Context, to provider.Status) {
	id := c.Param("id")
	p, ok := s.rt.Memory.Payment(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown payment",
		})
		return
	}
	if p.Status != provider.StatusPending {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_settled",
			"message": "Payment is already " + string(p.Status),
		})
		return
	}

	if err := s.rt.Memory.SetStatus(id, to); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	logging.L(c.Request.Context()).Info("demo payment settled", "payment_id", id, "status", to)

	c.Redirect(http.StatusSeeOther, "/pay/"+id)
}

var checkoutTmpl = template.Must(template.New("checkout").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>paymcp checkout</title>
    <style>
        body { font-family: system-ui, sans-serif; background: #f6f7f9; display: flex; justify-content: center; padding: 60px 20px; }
        .card { background: #fff; border-radius: 8px; padding: 32px; max-width: 420px; width: 100%; box-shadow: 0 1px 3px rgba(0,0,0,.12); }
        .amount { font-size: 32px; font-weight: 600; margin: 8px 0 16px; }
        .desc { color: #555; white-space: pre-wrap; }
        .status { display: inline-block; padding: 2px 10px; border-radius: 10px; font-size: 13px; background: #eee; }
        .status.paid { background: #d4f5dd; color: #126b2c; }
        .status.failed { background: #fbe0e0; color: #8a1c1c; }
        form { display: inline; }
        button { font-size: 15px; padding: 10px 20px; border: 0; border-radius: 6px; cursor: pointer; margin-right: 8px; }
        .pay { background: #2156d9; color: #fff; }
        .cancel { background: #e4e6ea; }
        code { font-size: 12px; color: #888; }
    </style>
</head>
<body>
    <div class="card">
        <span class="status {{.Status}}">{{.Status}}</span>
        <div class="amount">{{.Amount.String}} {{.Currency}}</div>
        <p class="desc">{{.Description}}</p>
        {{if eq .Status "pending"}}
        <form method="post" action="/pay/{{.ID}}"><button class="pay" type="submit">Pay</button></form>
        <form method="post" action="/pay/{{.ID}}/cancel"><button class="cancel" type="submit">Cancel</button></form>
        {{else if eq .Status "paid"}}
        <p>Payment received. Return to your assistant to continue.</p>
        {{else}}
        <p>This payment was cancelled.</p>
        {{end}}
        <p><code>{{.ID}}</code></p>
    </div>
</body>
</html>`))
