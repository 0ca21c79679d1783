package optin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status models.MemberStatus
		body   string
		want   Classification
	}{
		{"stop from active", models.MemberStatusActive, "STOP", ClassStop},
		{"stop lowercase padded", models.MemberStatusInvited, "  stop \n", ClassStop},
		{"unsubscribe from suspended", models.MemberStatusSuspended, "Unsubscribe", ClassStop},
		{"two word opt out", models.MemberStatusActive, "opt   out", ClassStop},
		{"stop with punctuation", models.MemberStatusActive, "Stop!", ClassStop},
		{"stop inside sentence is content", models.MemberStatusActive, "my slide won't stop moving", ClassContent},
		{"yes from invited", models.MemberStatusInvited, "yes", ClassOptIn},
		{"y from new", models.MemberStatusNew, "Y", ClassOptIn},
		{"start from inactive", models.MemberStatusInactive, "start.", ClassOptIn},
		{"yes from active is content", models.MemberStatusActive, "YES", ClassContent},
		{"yes inside sentence", models.MemberStatusInvited, "yes my furnace is broken", ClassContent},
		{"question from active", models.MemberStatusActive, "My generator won't start", ClassContent},
		{"empty body", models.MemberStatusActive, "   ", ClassContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.status, tt.body))
		})
	}
}

func TestClassify_IsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		require.Equal(t, ClassOptIn, Classify(models.MemberStatusInvited, "Yes"))
		require.Equal(t, ClassStop, Classify(models.MemberStatusInvited, "cancel"))
	}
}

func TestStateFor(t *testing.T) {
	require.Equal(t, StateAwaitingOptIn, StateFor(models.MemberStatusNew))
	require.Equal(t, StateAwaitingOptIn, StateFor(models.MemberStatusInvited))
	require.Equal(t, StateAwaitingOptIn, StateFor(models.MemberStatusInactive))
	require.Equal(t, StateActive, StateFor(models.MemberStatusActive))
	require.Equal(t, StateOptedOut, StateFor(models.MemberStatusSuspended))
}

func TestDecide(t *testing.T) {
	active := models.MemberStatusActive
	suspended := models.MemberStatusSuspended

	tests := []struct {
		name          string
		state         State
		class         Classification
		implicitOptIn bool
		wantAction    Action
		wantStatus    *models.MemberStatus
		wantImplicit  bool
	}{
		{"stop from active", StateActive, ClassStop, true, ActionReplyStop, &suspended, false},
		{"stop from opted out", StateOptedOut, ClassStop, true, ActionReplyStop, &suspended, false},
		{"stop from awaiting", StateAwaitingOptIn, ClassStop, false, ActionReplyStop, &suspended, false},
		{"opt in from awaiting", StateAwaitingOptIn, ClassOptIn, true, ActionReplyWelcome, &active, false},
		{"content from awaiting, implicit", StateAwaitingOptIn, ClassContent, true, ActionGenerate, &active, true},
		{"content from awaiting, explicit required", StateAwaitingOptIn, ClassContent, false, ActionReplyOptInPrompt, nil, false},
		{"content from active", StateActive, ClassContent, true, ActionGenerate, nil, false},
		{"content from opted out", StateOptedOut, ClassContent, true, ActionDrop, nil, false},
		{"start from opted out", StateOptedOut, ClassOptIn, true, ActionDrop, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.state, tt.class, tt.implicitOptIn)
			require.Equal(t, tt.wantAction, d.Action)
			require.Equal(t, tt.wantImplicit, d.ImplicitOptIn)
			if tt.wantStatus == nil {
				require.Nil(t, d.NextStatus)
			} else {
				require.NotNil(t, d.NextStatus)
				require.Equal(t, *tt.wantStatus, *d.NextStatus)
			}
		})
	}
}
