package main

import (
	"errors"
	"net/http"

	"agreementflow/agreement"
	"agreementflow/arbitrator"
	"agreementflow/auth"
	"agreementflow/dispute"
	"agreementflow/ledger"
	"agreementflow/setting"
	"agreementflow/vault"
)

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

var statusTable = []struct {
	status int
	errs   []error
}{
	{http.StatusNotFound, []error{
		setting.ErrSettingDoesNotExist,
		agreement.ErrActionDoesNotExist,
		agreement.ErrChallengeDoesNotExist,
		agreement.ErrDisputeDoesNotExist,
		dispute.ErrNotFound,
		auth.ErrAccountNotFound,
		vault.ErrNotFound,
	}},
	{http.StatusForbidden, []error{agreement.ErrSenderNotAllowed}},
	{http.StatusUnauthorized, []error{auth.ErrInvalidCredentials, auth.ErrInvalidToken}},
	{http.StatusConflict, []error{
		agreement.ErrCannotChallenge,
		agreement.ErrCannotSettle,
		agreement.ErrCannotClaimSettlement,
		agreement.ErrCannotDispute,
		agreement.ErrCannotSubmitEvidence,
		agreement.ErrCannotRuleAction,
		agreement.ErrCannotCancel,
		agreement.ErrCannotExecute,
		agreement.ErrAlreadyInitialized,
		arbitrator.ErrAlreadyDecided,
		dispute.ErrBadStatus,
		auth.ErrDuplicateAccount,
	}},
	{http.StatusUnprocessableEntity, []error{
		ledger.ErrInsufficientBalance,
		ledger.ErrInvalidAmount,
		ledger.ErrAmountOverflow,
		ledger.ErrInvalidAccount,
		vault.ErrInsufficientFunds,
		vault.ErrInvalidAmount,
		agreement.ErrInvalidSettlementOffer,
		agreement.ErrInvalidArbitrator,
		setting.ErrInvalidArbitrator,
		setting.ErrInvalidCollateralToken,
		setting.ErrInvalidDuration,
		dispute.ErrUnknownRuling,
		agreement.ErrScriptRefused,
	}},
	{http.StatusBadGateway, []error{agreement.ErrScriptFailed}},
	{http.StatusBadRequest, []error{auth.ErrWeakPassword, auth.ErrInvalidRole}},
	{http.StatusServiceUnavailable, []error{agreement.ErrNotInitialized, arbitrator.ErrNoRuler}},
}

func statusFor(err error) int {
	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	for _, row := range statusTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.status
			}
		}
	}
	return http.StatusInternalServerError
}
