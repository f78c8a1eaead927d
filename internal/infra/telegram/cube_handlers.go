package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cube_rotation_bot/internal/app"
	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const msgNotAuthorized = "Error: you are not allowed to run this command."

// commandTimeout bounds the storage and payout work one chat command may do.
const commandTimeout = 30 * time.Second

// CubeCommands turns chat commands into cube operations. Each handler returns
// the reply text so it can run without a live bot.
type CubeCommands struct {
	admin           *app.AdminService
	engine          *app.CycleEngine
	members         cube.MemberRegistry
	adminTelegramID int64
	timeout         time.Duration
	logger          *logrus.Entry
}

func NewCubeCommands(admin *app.AdminService, engine *app.CycleEngine, members cube.MemberRegistry, adminTelegramID int64, logger *logrus.Entry) *CubeCommands {
	return &CubeCommands{
		admin:           admin,
		engine:          engine,
		members:         members,
		adminTelegramID: adminTelegramID,
		timeout:         commandTimeout,
		logger:          logger,
	}
}

// Register binds the commands to b.
func (h *CubeCommands) Register(ctx context.Context, b *telebot.Bot) {
	routes := map[string]func(ctx context.Context, senderID int64, args []string) string{
		"/create_cube":   h.CreateCube,
		"/add_member":    h.AddMember,
		"/cancel_cube":   h.CancelCube,
		"/mark_paid":     h.MarkPaid,
		"/start_cube":    h.StartCube,
		"/process_cycle": h.ProcessCycle,
		"/cycle_status":  h.CycleStatus,
		"/payments":      h.Payments,
	}
	for command, handle := range routes {
		command, handle := command, handle
		b.Handle(command, func(c telebot.Context) error {
			h.logger.WithFields(logrus.Fields{
				"handler":   command,
				"sender_id": c.Sender().ID,
			}).Info("Command received")
			return c.Send(h.run(ctx, handle, c.Sender().ID, c.Args()))
		})
	}
}

func (h *CubeCommands) run(ctx context.Context, handle func(context.Context, int64, []string) string, senderID int64, args []string) string {
	cmdCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return handle(cmdCtx, senderID, args)
}

// CreateCube: /create_cube <members> <amount> <name...>
func (h *CubeCommands) CreateCube(ctx context.Context, senderID int64, args []string) string {
	if senderID != h.adminTelegramID {
		return msgNotAuthorized
	}
	if len(args) < 3 {
		return "Invalid format. Use: /create_cube <members> <amount> <name>"
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "Error: number of members must be an integer."
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return "Error: amount must be a number, e.g. 100 or 25.50."
	}
	name := strings.Join(args[2:], " ")

	c, err := h.admin.CreateCube(ctx, senderID, name, n, amount)
	if err != nil {
		return h.replyError("/create_cube", err)
	}
	return fmt.Sprintf("Cube %q created (ID: %s). Add %d members with /add_member.", c.Name, c.ID, c.NumberOfMembers)
}

// AddMember: /add_member <cube_id> <user_id> [admin]
func (h *CubeCommands) AddMember(ctx context.Context, senderID int64, args []string) string {
	if senderID != h.adminTelegramID {
		return msgNotAuthorized
	}
	if len(args) < 2 || len(args) > 3 {
		return "Invalid format. Use: /add_member <cube_id> <user_id> [admin]"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	userID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "Error: Telegram ID must be a number."
	}
	role := cube.RoleMember
	if len(args) == 3 {
		if !strings.EqualFold(args[2], string(cube.RoleAdmin)) {
			return "Error: the only optional role is 'admin'."
		}
		role = cube.RoleAdmin
	}

	m, err := h.admin.AddMember(ctx, senderID, cubeID, userID, role)
	if err != nil {
		return h.replyError("/add_member", err)
	}
	return fmt.Sprintf("User %d joined as %s (payout position %d).", m.UserID, m.Role, m.PayoutPosition.Int32)
}

// CancelCube: /cancel_cube <cube_id>
func (h *CubeCommands) CancelCube(ctx context.Context, senderID int64, args []string) string {
	if senderID != h.adminTelegramID {
		return msgNotAuthorized
	}
	if len(args) != 1 {
		return "Invalid format. Use: /cancel_cube <cube_id>"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	c, err := h.admin.CancelCube(ctx, senderID, cubeID)
	if err != nil {
		return h.replyError("/cancel_cube", err)
	}
	return fmt.Sprintf("Cube %q cancelled.", c.Name)
}

// MarkPaid: /mark_paid <cube_id> <user_id> [cycle]. Confirms a payment received outside the bot.
func (h *CubeCommands) MarkPaid(ctx context.Context, senderID int64, args []string) string {
	if senderID != h.adminTelegramID {
		return msgNotAuthorized
	}
	if len(args) < 2 || len(args) > 3 {
		return "Invalid format. Use: /mark_paid <cube_id> <user_id> [cycle]"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	userID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "Error: Telegram ID must be a number."
	}

	var cycle int
	if len(args) == 3 {
		if cycle, err = strconv.Atoi(args[2]); err != nil {
			return "Error: cycle must be a number."
		}
	} else {
		status, err := h.engine.GetCurrentCycleStatus(ctx, cubeID)
		if err != nil {
			return h.replyError("/mark_paid", err)
		}
		cycle = status.Cube.CurrentCycle
	}

	ready, err := h.engine.RecordMemberPayment(ctx, cubeID, userID, cycle)
	if err != nil {
		return h.replyError("/mark_paid", err)
	}
	if ready {
		return fmt.Sprintf("Payment of user %d for cycle %d recorded. Everyone has paid.", userID, cycle)
	}
	return fmt.Sprintf("Payment of user %d for cycle %d recorded.", userID, cycle)
}

// StartCube: /start_cube <cube_id>. Only a cube admin may start it.
func (h *CubeCommands) StartCube(ctx context.Context, senderID int64, args []string) string {
	if len(args) != 1 {
		return "Invalid format. Use: /start_cube <cube_id>"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	m, err := h.members.GetMember(ctx, cubeID, senderID)
	if err != nil {
		return h.replyError("/start_cube", err)
	}
	c, err := h.engine.StartCube(ctx, cubeID, m.ID, senderID)
	if err != nil {
		return h.replyError("/start_cube", err)
	}
	return fmt.Sprintf("Cube %q is active. Cycle 1 closes on %s.", c.Name, c.NextPayoutDate.Time.UTC().Format("2006-01-02 15:04 MST"))
}

// ProcessCycle: /process_cycle <cube_id>. Runs the same close the scheduler does.
func (h *CubeCommands) ProcessCycle(ctx context.Context, senderID int64, args []string) string {
	if senderID != h.adminTelegramID {
		return msgNotAuthorized
	}
	if len(args) != 1 {
		return "Invalid format. Use: /process_cycle <cube_id>"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	outcome, err := h.engine.ProcessCycle(ctx, cubeID)
	if err != nil {
		return h.replyError("/process_cycle", err)
	}
	switch outcome.Kind {
	case app.OutcomeSkippedNotReady:
		return fmt.Sprintf("Cycle %d not closed: waiting on %d members to pay.", outcome.CycleNumber, len(outcome.Awaiting))
	case app.OutcomeCompleted:
		if outcome.Winner != nil {
			return fmt.Sprintf("Cycle %d won by user %d. The cube is now completed.", outcome.CycleNumber, outcome.Winner.UserID)
		}
		return "The cube is now completed."
	default:
		return fmt.Sprintf("Cycle %d won by user %d (payout %s).", outcome.CycleNumber, outcome.Winner.UserID, outcome.Winner.PayoutAmount.StringFixed(2))
	}
}

// CycleStatus: /cycle_status <cube_id>
func (h *CubeCommands) CycleStatus(ctx context.Context, senderID int64, args []string) string {
	if len(args) != 1 {
		return "Invalid format. Use: /cycle_status <cube_id>"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	if reply, ok := h.requireMemberOrAdmin(ctx, cubeID, senderID); !ok {
		return reply
	}
	v, err := h.engine.GetCurrentCycleStatus(ctx, cubeID)
	if err != nil {
		return h.replyError("/cycle_status", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cube %q (%s)\n", v.Cube.Name, v.Cube.Status)
	fmt.Fprintf(&sb, "Cycle %d of %d, payout %s\n", v.Cube.CurrentCycle, v.Cube.NumberOfMembers, v.Cube.PayoutAmount().StringFixed(2))
	if v.Cube.NextPayoutDate.Valid {
		fmt.Fprintf(&sb, "Next payout: %s\n", v.Cube.NextPayoutDate.Time.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&sb, "Status: %s\n", v.WaitingSummary())
	for _, w := range v.Winners {
		fmt.Fprintf(&sb, "Cycle %d winner: %d\n", w.CycleNumber, w.UserID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Payments: /payments <cube_id> [cycle]
func (h *CubeCommands) Payments(ctx context.Context, senderID int64, args []string) string {
	if len(args) < 1 || len(args) > 2 {
		return "Invalid format. Use: /payments <cube_id> [cycle]"
	}
	cubeID, err := uuid.Parse(args[0])
	if err != nil {
		return "Error: invalid cube ID."
	}
	if reply, ok := h.requireMemberOrAdmin(ctx, cubeID, senderID); !ok {
		return reply
	}

	var cycle int
	if len(args) == 2 {
		if cycle, err = strconv.Atoi(args[1]); err != nil {
			return "Error: cycle must be a number."
		}
	} else {
		status, err := h.engine.GetCurrentCycleStatus(ctx, cubeID)
		if err != nil {
			return h.replyError("/payments", err)
		}
		cycle = status.Cube.CurrentCycle
	}

	v, err := h.engine.GetCyclePaymentStatus(ctx, cubeID, cycle)
	if err != nil {
		return h.replyError("/payments", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cycle %d: %d of %d paid\n", v.CycleNumber, v.PaidCount, v.Expected)
	for _, p := range v.Members {
		if p.Paid {
			fmt.Fprintf(&sb, "%d: paid %s\n", p.UserID, p.PaidAt.UTC().Format("2006-01-02"))
		} else {
			fmt.Fprintf(&sb, "%d: awaiting\n", p.UserID)
		}
	}
	if v.Winner != nil {
		fmt.Fprintf(&sb, "Winner: %d\n", v.Winner.UserID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *CubeCommands) requireMemberOrAdmin(ctx context.Context, cubeID uuid.UUID, senderID int64) (string, bool) {
	if senderID == h.adminTelegramID {
		return "", true
	}
	if _, err := h.members.GetMember(ctx, cubeID, senderID); err != nil {
		if errors.Is(err, cube.ErrMemberNotFound) {
			return "Error: you are not a member of this cube.", false
		}
		return h.replyError("membership check", err), false
	}
	return "", true
}

// replyError maps domain errors to user-facing text; anything unknown is logged.
func (h *CubeCommands) replyError(handler string, err error) string {
	logCtx := h.logger.WithField("handler", handler).WithError(err)
	switch {
	case errors.Is(err, cube.ErrNotAuthorized), errors.Is(err, cube.ErrNotAdmin):
		logCtx.Warn("Unauthorized action")
		return msgNotAuthorized
	case errors.Is(err, cube.ErrCubeNotFound):
		return "Error: cube not found."
	case errors.Is(err, cube.ErrMemberNotFound):
		return "Error: member not found in this cube."
	case errors.Is(err, cube.ErrInvalidCube),
		errors.Is(err, cube.ErrCubeNotDraft),
		errors.Is(err, cube.ErrCubeNotActive),
		errors.Is(err, cube.ErrCubeClosed),
		errors.Is(err, cube.ErrCubeFull),
		errors.Is(err, cube.ErrCubeNotFull),
		errors.Is(err, cube.ErrDuplicateMember),
		errors.Is(err, cube.ErrNotAllPaid),
		errors.Is(err, cube.ErrNotFirstCycle),
		errors.Is(err, cube.ErrMemberMismatch),
		errors.Is(err, cube.ErrCycleNotDue),
		errors.Is(err, cube.ErrCycleAlreadyClosed),
		errors.Is(err, cube.ErrWrongCycle):
		logCtx.Info("Command rejected")
		return "Error: " + err.Error() + "."
	default:
		logCtx.Error("Command failed")
		return "An internal error occurred. Please try again later."
	}
}
