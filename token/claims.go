package token

// ClaimNamespace is the provider-defined object nested inside standard JWT
// claims that carries rollup registration data.
const ClaimNamespace = "passport"

// Claim keys inside the namespace.
const (
	claimZkEvmEthAddress       = "zkevm_eth_address"
	claimZkEvmUserAdminAddress = "zkevm_user_admin_address"
	claimImxEthAddress         = "imx_eth_address"
	claimImxStarkAddress       = "imx_stark_address"
	claimImxUserAdminAddress   = "imx_user_admin_address"
)

// ZkEvmIdentity is the zkEVM address bundle granted once a user registers
// for that rollup.
type ZkEvmIdentity struct {
	EthAddress       string `json:"ethAddress"`
	UserAdminAddress string `json:"userAdminAddress"`
}

// ImxIdentity is the IMX address bundle granted once a user registers for
// that rollup.
type ImxIdentity struct {
	EthAddress       string `json:"ethAddress"`
	StarkAddress     string `json:"starkAddress"`
	UserAdminAddress string `json:"userAdminAddress"`
}

// Registration enumerates which rollup sub-identities a profile carries.
// Absence means the user never registered, not that something failed.
type Registration int

const (
	RegistrationNone Registration = iota
	RegistrationImx
	RegistrationZkEvm
	RegistrationBoth
)

func (r Registration) String() string {
	switch r {
	case RegistrationImx:
		return "imx"
	case RegistrationZkEvm:
		return "zkevm"
	case RegistrationBoth:
		return "imx+zkevm"
	default:
		return "none"
	}
}

// Profile is the typed user identity derived from an ID token. Sub is the
// stable subject identifier and is immutable for the life of the session.
type Profile struct {
	Sub      string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Nickname string         `json:"nickname,omitempty"`
	Imx      *ImxIdentity   `json:"imx,omitempty"`
	ZkEvm    *ZkEvmIdentity `json:"zkEvm,omitempty"`
}

// Registration reports which rollup identities are present.
func (p *Profile) Registration() Registration {
	switch {
	case p == nil:
		return RegistrationNone
	case p.Imx != nil && p.ZkEvm != nil:
		return RegistrationBoth
	case p.Imx != nil:
		return RegistrationImx
	case p.ZkEvm != nil:
		return RegistrationZkEvm
	default:
		return RegistrationNone
	}
}

// Predicate narrows a profile before it is handed to callers. A profile
// failing the predicate is withheld entirely so code never touches a
// half-populated identity.
type Predicate func(*Profile) bool

// HasZkEvm accepts profiles registered for zkEVM.
func HasZkEvm(p *Profile) bool {
	r := p.Registration()
	return r == RegistrationZkEvm || r == RegistrationBoth
}

// HasImx accepts profiles registered for IMX.
func HasImx(p *Profile) bool {
	r := p.Registration()
	return r == RegistrationImx || r == RegistrationBoth
}

// DeriveProfile builds a Profile from resolved sign-in data, enriching it
// with rollup identities extracted from the ID token.
func DeriveProfile(sub, email, nickname, idToken string) Profile {
	return Profile{
		Sub:      sub,
		Email:    email,
		Nickname: nickname,
		Imx:      ExtractImx(idToken),
		ZkEvm:    ExtractZkEvm(idToken),
	}
}

// ExtractZkEvm projects the zkEVM identity out of an ID token's namespace
// claims. It returns nil unless both zkEVM fields are present; decoding
// failures also yield nil, never a partially-populated bundle.
func ExtractZkEvm(idToken string) *ZkEvmIdentity {
	ns := namespaceClaims(idToken)
	if ns == nil {
		return nil
	}
	eth, okEth := claimString(ns, claimZkEvmEthAddress)
	admin, okAdmin := claimString(ns, claimZkEvmUserAdminAddress)
	if !okEth || !okAdmin {
		return nil
	}
	return &ZkEvmIdentity{EthAddress: eth, UserAdminAddress: admin}
}

// ExtractImx projects the IMX identity out of an ID token's namespace
// claims. All three IMX fields must be present.
func ExtractImx(idToken string) *ImxIdentity {
	ns := namespaceClaims(idToken)
	if ns == nil {
		return nil
	}
	eth, okEth := claimString(ns, claimImxEthAddress)
	stark, okStark := claimString(ns, claimImxStarkAddress)
	admin, okAdmin := claimString(ns, claimImxUserAdminAddress)
	if !okEth || !okStark || !okAdmin {
		return nil
	}
	return &ImxIdentity{EthAddress: eth, StarkAddress: stark, UserAdminAddress: admin}
}

func namespaceClaims(idToken string) map[string]any {
	if idToken == "" {
		return nil
	}
	claims, err := DecodeUnverified(idToken)
	if err != nil {
		return nil
	}
	ns, _ := claims[ClaimNamespace].(map[string]any)
	return ns
}

func claimString(ns map[string]any, key string) (string, bool) {
	s, ok := ns[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
