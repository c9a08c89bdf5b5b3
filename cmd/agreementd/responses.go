package main

import (
	"encoding/hex"
	"time"

	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/dispute"
	"agreementflow/journal"
	"agreementflow/ledger"
	"agreementflow/setting"
)

type accountResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		Email:     a.Email,
		FullName:  a.FullName,
		Role:      string(a.Role),
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

type settingResponse struct {
	ID                  uint64 `json:"id"`
	Title               string `json:"title"`
	Content             string `json:"content"`
	Arbitrator          string `json:"arbitrator"`
	CollateralToken     string `json:"collateralToken"`
	ActionCollateral    uint64 `json:"actionCollateral"`
	ChallengeCollateral uint64 `json:"challengeCollateral"`
	ChallengeDuration   string `json:"challengeDuration"`
	SettlementDuration  string `json:"settlementDuration"`
	DelayPeriod         string `json:"delayPeriod"`
	CreatedAt           string `json:"createdAt"`
}

func toSettingResponse(s setting.Setting) settingResponse {
	return settingResponse{
		ID:                  s.ID,
		Title:               s.Title,
		Content:             string(s.Content),
		Arbitrator:          string(s.Arbitrator),
		CollateralToken:     string(s.CollateralToken),
		ActionCollateral:    uint64(s.ActionCollateral),
		ChallengeCollateral: uint64(s.ChallengeCollateral),
		ChallengeDuration:   s.ChallengeDuration.String(),
		SettlementDuration:  s.SettlementDuration.String(),
		DelayPeriod:         s.DelayPeriod.String(),
		CreatedAt:           s.CreatedAt.Format(time.RFC3339),
	}
}

type balanceResponse struct {
	Token      string `json:"token"`
	Available  uint64 `json:"available"`
	Locked     uint64 `json:"locked"`
	Challenged uint64 `json:"challenged"`
}

func toBalanceResponse(token ledger.TokenID, b ledger.Balance) balanceResponse {
	return balanceResponse{
		Token:      string(token),
		Available:  uint64(b.Available),
		Locked:     uint64(b.Locked),
		Challenged: uint64(b.Challenged),
	}
}

func toBalancesResponse(account ledger.AccountID, balances map[ledger.TokenID]ledger.Balance) map[string]any {
	items := make([]balanceResponse, 0, len(balances))
	for token, b := range balances {
		items = append(items, toBalanceResponse(token, b))
	}
	return map[string]any{"account": string(account), "items": items}
}

type actionResponse struct {
	ID                 uint64 `json:"id"`
	SettingID          uint64 `json:"settingId"`
	Submitter          string `json:"submitter"`
	Context            string `json:"context"`
	Script             string `json:"script"`
	State              string `json:"state"`
	CollateralToken    string `json:"collateralToken"`
	Collateral         uint64 `json:"collateral"`
	ScheduledAt        string `json:"scheduledAt"`
	ChallengeStartDate string `json:"challengeStartDate"`
	ChallengeEndDate   string `json:"challengeEndDate"`
	LastChallengeID    uint64 `json:"lastChallengeId,omitempty"`
}

func toActionResponse(a agreement.Action) actionResponse {
	return actionResponse{
		ID:                 a.ID,
		SettingID:          a.SettingID,
		Submitter:          string(a.Submitter),
		Context:            string(a.Context),
		Script:             string(a.Script),
		State:              string(a.State),
		CollateralToken:    string(a.CollateralToken),
		Collateral:         uint64(a.Collateral),
		ScheduledAt:        a.ScheduledAt.Format(time.RFC3339),
		ChallengeStartDate: a.ChallengeStartDate.Format(time.RFC3339),
		ChallengeEndDate:   a.ChallengeEndDate.Format(time.RFC3339),
		LastChallengeID:    a.LastChallengeID,
	}
}

type pathsResponse struct {
	CanCancel          bool `json:"canCancel"`
	CanChallenge       bool `json:"canChallenge"`
	CanSettle          bool `json:"canSettle"`
	CanDispute         bool `json:"canDispute"`
	CanClaimSettlement bool `json:"canClaimSettlement"`
	CanRuleDispute     bool `json:"canRuleDispute"`
	CanExecute         bool `json:"canExecute"`
}

func toPathsResponse(p agreement.AllowedPaths) pathsResponse {
	return pathsResponse(p)
}

type challengeResponse struct {
	ID                  uint64 `json:"id"`
	ActionID            uint64 `json:"actionId"`
	Challenger          string `json:"challenger"`
	Context             string `json:"context"`
	SettlementOffer     uint64 `json:"settlementOffer"`
	SettlementEndDate   string `json:"settlementEndDate"`
	Collateral          uint64 `json:"collateral"`
	ArbitratorFeeToken  string `json:"arbitratorFeeToken,omitempty"`
	ArbitratorFeeAmount uint64 `json:"arbitratorFeeAmount"`
	State               string `json:"state"`
	DisputeID           uint64 `json:"disputeId,omitempty"`
}

func toChallengeResponse(c agreement.Challenge) challengeResponse {
	return challengeResponse{
		ID:                  c.ID,
		ActionID:            c.ActionID,
		Challenger:          string(c.Challenger),
		Context:             string(c.Context),
		SettlementOffer:     uint64(c.SettlementOffer),
		SettlementEndDate:   c.SettlementEndDate.Format(time.RFC3339),
		Collateral:          uint64(c.Collateral),
		ArbitratorFeeToken:  string(c.ArbitratorFeeToken),
		ArbitratorFeeAmount: uint64(c.ArbitratorFeeAmount),
		State:               string(c.State),
		DisputeID:           uint64(c.DisputeID),
	}
}

type disputeResponse struct {
	ID                         uint64 `json:"id"`
	ActionID                   uint64 `json:"actionId"`
	Ruling                     string `json:"ruling"`
	SubmitterFinishedEvidence  bool   `json:"submitterFinishedEvidence"`
	ChallengerFinishedEvidence bool   `json:"challengerFinishedEvidence"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:                         uint64(d.ID),
		ActionID:                   d.ActionID,
		Ruling:                     d.Ruling.String(),
		SubmitterFinishedEvidence:  d.SubmitterFinishedEvidence,
		ChallengerFinishedEvidence: d.ChallengerFinishedEvidence,
	}
}

type caseResponse struct {
	ID        uint64 `json:"id"`
	ActionID  uint64 `json:"actionId"`
	Status    string `json:"status"`
	Ruling    string `json:"ruling"`
	Evidence  int    `json:"evidence"`
	CreatedAt string `json:"createdAt"`
}

func toCaseResponse(c dispute.Case) caseResponse {
	return caseResponse{
		ID:        uint64(c.ID),
		ActionID:  c.Subject,
		Status:    string(c.Status),
		Ruling:    c.Ruling.String(),
		Evidence:  len(c.Evidence),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

type eventResponse struct {
	Seq        uint64         `json:"seq"`
	EventSeq   uint64         `json:"eventSeq"`
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ActionID   uint64         `json:"actionId,omitempty"`
	OccurredAt string         `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
	Hash       string         `json:"hash"`
}

func toEventResponse(e journal.Entry) eventResponse {
	return eventResponse{
		Seq:        e.Seq,
		EventSeq:   e.Event.Seq,
		ID:         e.Event.ID,
		Type:       string(e.Event.Type),
		ActionID:   e.Event.ActionID,
		OccurredAt: e.Event.OccurredAt.Format(time.RFC3339Nano),
		Payload:    e.Event.Payload,
		Hash:       hex.EncodeToString(e.Hash),
	}
}
