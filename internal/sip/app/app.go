// Package app wires the SIP/Media Bridge Adapter's signaling side: the
// sipgo user agent, the dialog state machine, and the Bridge Adapter
// transport pool that opens and closes media channels.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/careline/engine/internal/config"
	"github.com/careline/engine/internal/media/sdp"
	"github.com/careline/engine/internal/sip/dialog"
	"github.com/careline/engine/internal/events"
	"github.com/careline/engine/internal/sip/transport"
)

// SwitchBoard is the Bridge Adapter's signaling process: it terminates
// SIP dialogs from the telephony provider's media gateway and opens the
// corresponding media channel on the Bridge Adapter's media side.
type SwitchBoard struct {
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	config    *config.Config
	dialogMgr *dialog.Manager
	transport transport.Transport
	events    events.Publisher
}

// NewServer builds a SwitchBoard bound to the engine-wide configuration.
func NewServer(cfg *config.Config, pub events.Publisher) (*SwitchBoard, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "careline-bridge",
			Host:   cfg.SIPAdvertiseAddr,
			Port:   cfg.SIPPort,
		},
	}
	dialogUA := &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: contact,
	}

	slog.Info("[App] Connecting to media bridge pool", "addresses", cfg.BridgeGRPCAddrs)
	poolCfg := transport.PoolConfig{
		Addresses:           cfg.BridgeGRPCAddrs,
		ConnectTimeout:      10 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
	mediaTransport, err := transport.NewPool(poolCfg)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create media bridge pool: %w", err)
	}

	dialogMgr := dialog.NewManager(uac, dialogUA)

	if pub == nil {
		pub = events.NewNoopPublisher()
	}

	board := &SwitchBoard{
		ua:        ua,
		srv:       uas,
		client:    uac,
		config:    cfg,
		dialogMgr: dialogMgr,
		transport: mediaTransport,
		events:    pub,
	}

	dialogMgr.SetOnTerminated(func(d *dialog.Dialog) {
		if channelID := d.GetSessionID(); channelID != "" {
			reason := transport.TerminateReasonNormal
			switch d.TerminateReason {
			case dialog.ReasonRemoteBYE:
				reason = transport.TerminateReasonBYE
			case dialog.ReasonCancel:
				reason = transport.TerminateReasonCancel
			case dialog.ReasonTimeout:
				reason = transport.TerminateReasonTimeout
			case dialog.ReasonError:
				reason = transport.TerminateReasonError
			}
			if err := mediaTransport.CloseChannel(context.Background(), channelID, reason); err != nil {
				slog.Warn("[App] Failed to close channel", "channel_id", channelID, "error", err)
			}
		}
	})

	uas.OnRequest(sip.INVITE, board.handleINVITE)
	uas.OnRequest(sip.BYE, board.handleBYE)
	uas.OnRequest(sip.ACK, board.handleACK)
	uas.OnRequest(sip.CANCEL, board.handleCANCEL)

	slog.Info("[App] SIP handlers registered", "methods", "INVITE, BYE, ACK, CANCEL")
	slog.Info("[App] Configuration", "port", cfg.SIPPort, "bind", cfg.SIPBindAddr)

	return board, nil
}

// Start binds the SIP listener and blocks until ctx is canceled.
func (b *SwitchBoard) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", b.config.SIPBindAddr, b.config.SIPPort)
	slog.Info("[App] Starting SIP server", "listen_addr", listenAddr, "transport", b.config.SIPTransport)

	if err := b.srv.ListenAndServe(ctx, b.config.SIPTransport, listenAddr); err != nil {
		return fmt.Errorf("failed to bind SIP port %d: %w", b.config.SIPPort, err)
	}
	return nil
}

// handleINVITE answers an incoming call: parses the SDP offer, opens a
// media channel on the Bridge Adapter's media side, and sends the 200 OK
// carrying the negotiated SDP answer.
func (b *SwitchBoard) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := b.dialogMgr.CreateFromInvite(req, tx)
	if err != nil {
		slog.Error("[App] Failed to create dialog", "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		tx.Respond(resp)
		return
	}

	if err := b.dialogMgr.SendTrying(dlg); err != nil {
		slog.Warn("[App] Failed to send 100 Trying", "call_id", dlg.CallID, "error", err)
	}

	offer, err := sdp.ParseOffer(req.Body())
	if err != nil {
		slog.Error("[App] Failed to parse SDP offer", "call_id", dlg.CallID, "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable - invalid SDP", nil)
		tx.Respond(resp)
		b.dialogMgr.Terminate(dlg.CallID, dialog.ReasonError)
		return
	}

	callSid, patientID := dlg.GetCorrelation()
	setupStart := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := b.transport.OpenChannel(ctx, transport.ChannelInfo{
		CallID:        dlg.CallID,
		PatientID:     patientID,
		RemoteAddr:    offer.RemoteAddr,
		RemotePort:    offer.RemotePort,
		OfferedCodecs: offer.Codecs,
	})
	if err != nil {
		slog.Error("[App] Failed to open media channel", "call_id", dlg.CallID, "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Media Unavailable", nil)
		tx.Respond(resp)
		b.dialogMgr.Terminate(dlg.CallID, dialog.ReasonError)
		return
	}

	dlg.SetSessionID(result.AsteriskChannelID)
	dlg.SetMediaEndpoint(result.LocalAddr, result.LocalPort, result.SelectedCodec)

	if err := b.dialogMgr.SendProgress(dlg, result.SDPBody); err != nil {
		slog.Warn("[App] Failed to send 183 Session Progress", "call_id", dlg.CallID, "error", err)
	}

	if err := b.dialogMgr.SendOK(dlg, result.SDPBody); err != nil {
		slog.Error("[App] Failed to send 200 OK", "call_id", dlg.CallID, "error", err)
		b.transport.CloseChannel(context.Background(), result.AsteriskChannelID, transport.TerminateReasonError)
		b.dialogMgr.Terminate(dlg.CallID, dialog.ReasonError)
		return
	}

	b.events.PublishAsync(events.NewBuilder(b.config.SIPAdvertiseAddr).CallAnswered(callSid, dlg.CallID, &events.MediaInfo{
		LocalAddr:     result.LocalAddr,
		LocalPort:     result.LocalPort,
		RemoteAddr:    offer.RemoteAddr,
		RemotePort:    offer.RemotePort,
		Codecs:        offer.Codecs,
		SelectedCodec: result.SelectedCodec,
		RTPSessionID:  result.AsteriskChannelID,
	}, time.Since(setupStart).Milliseconds()))
}

func (b *SwitchBoard) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	if err := b.dialogMgr.HandleIncomingBYE(req, tx); err != nil {
		slog.Debug("[App] BYE handling note", "error", err)
	}
}

func (b *SwitchBoard) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if err := b.dialogMgr.ConfirmWithACK(req, tx); err != nil {
		slog.Debug("[App] ACK handling note", "error", err)
	}
}

func (b *SwitchBoard) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	if err := b.dialogMgr.HandleIncomingCANCEL(req, tx); err != nil {
		slog.Debug("[App] CANCEL handling note", "error", err)
	}
}

// Close terminates all active dialogs and releases transport resources.
func (b *SwitchBoard) Close() error {
	for _, dlg := range b.dialogMgr.List() {
		if !dlg.IsTerminated() {
			b.dialogMgr.Terminate(dlg.CallID, dialog.ReasonLocalBYE)
		}
	}
	b.dialogMgr.Close()

	if b.transport != nil {
		b.transport.Close()
	}
	if b.ua != nil {
		return b.ua.Close()
	}
	return nil
}
