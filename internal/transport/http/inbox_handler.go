package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/service"
)

// InboxHandler 处理收件箱相关的 HTTP 请求
type InboxHandler struct {
	inboxes *service.InboxService
	logger  *zap.Logger
}

// NewInboxHandler 创建收件箱处理器
func NewInboxHandler(inboxes *service.InboxService, logger *zap.Logger) *InboxHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxHandler{inboxes: inboxes, logger: logger}
}

type generateResponse struct {
	Address   string    `json:"address"`
	Email     string    `json:"email"` // 与 address 相同，兼容旧版前端
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type inboxResponse struct {
	Address   string           `json:"address"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Unread    int              `json:"unread"`
	Messages  []domain.Message `json:"messages"`
}

func toInboxResponse(inbox *domain.Inbox) inboxResponse {
	return inboxResponse{
		Address:   inbox.Address,
		CreatedAt: inbox.CreatedAt,
		ExpiresAt: inbox.ExpiresAt,
		Unread:    inbox.Unread(),
		Messages:  inbox.Messages,
	}
}

type inboxQuery struct {
	Address string `form:"address"`
	Email   string `form:"email"`
}

type demoSendRequest struct {
	To       string `json:"to" binding:"required,email"`
	From     string `json:"from" binding:"omitempty,email"`
	FromName string `json:"fromName" binding:"omitempty,max=256"`
	Subject  string `json:"subject" binding:"omitempty,max=998"`
	Body     string `json:"body"`
	HTML     string `json:"html"`
}

// generate godoc
// @Summary 生成临时邮箱
// @Description 随机生成一个地址并创建收件箱，生存时间固定
// @Tags Inbox
// @Produce json
// @Success 201 {object} generateResponse
// @Failure 429 {object} Response
// @Failure 503 {object} Response
// @Router /api/generate [post]
func (h *InboxHandler) generate(c *gin.Context) {
	inbox, err := h.inboxes.Generate()
	if err != nil {
		h.logger.Error("generate inbox failed", zap.Error(err))
		respondError(c, err, MsgGenerateFailed)
		return
	}

	Created(c, generateResponse{
		Address:   inbox.Address,
		Email:     inbox.Address,
		CreatedAt: inbox.CreatedAt,
		ExpiresAt: inbox.ExpiresAt,
	})
}

// getInbox godoc
// @Summary 获取收件箱
// @Description 返回未过期收件箱及其全部邮件（最新在前）
// @Tags Inbox
// @Produce json
// @Param address query string true "邮箱地址（也接受 email 参数）"
// @Success 200 {object} inboxResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/inbox [get]
func (h *InboxHandler) getInbox(c *gin.Context) {
	var query inboxQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	address := query.Address
	if address == "" {
		address = query.Email
	}
	if address == "" {
		BadRequest(c, MsgAddressRequired)
		return
	}

	inbox, err := h.inboxes.Get(address)
	if err != nil {
		respondError(c, err, MsgInboxLookupFailed)
		return
	}
	Success(c, toInboxResponse(inbox))
}

// markRead godoc
// @Summary 标记邮件已读
// @Tags Messages
// @Produce json
// @Param id path string true "邮件ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/emails/{id}/read [patch]
func (h *InboxHandler) markRead(c *gin.Context) {
	if err := h.inboxes.MarkRead(c.Param("id")); err != nil {
		respondError(c, err, MsgMarkReadFailed)
		return
	}
	Success(c, gin.H{"success": true})
}

// demoSend godoc
// @Summary 投递演示邮件
// @Description 绕过 SMTP 直接向收件箱写入一封邮件，未填写的字段使用默认值
// @Tags Demo
// @Accept json
// @Produce json
// @Param request body demoSendRequest true "邮件内容"
// @Success 201 {object} domain.Message
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/demo/send-email [post]
func (h *InboxHandler) demoSend(c *gin.Context) {
	var req demoSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if details := bindingErrors(err); details != nil {
			ValidationFailed(c, details)
			return
		}
		BadRequest(c, MsgInvalidJSON)
		return
	}

	msg, err := h.inboxes.DemoSend(service.DemoSendInput{
		To:       req.To,
		From:     req.From,
		FromName: req.FromName,
		Subject:  req.Subject,
		Body:     req.Body,
		HTML:     req.HTML,
	})
	if err != nil {
		if statusFor(err) == CodeInternalError {
			h.logger.Error("demo send failed", zap.String("to", req.To), zap.Error(err))
		}
		respondError(c, err, MsgDemoSendFailed)
		return
	}
	Created(c, msg)
}
