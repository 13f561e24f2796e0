package blockclique

import (
	externalip "github.com/glendc/go-external-ip"
	"gitlab.com/NebulousLabs/go-upnp"
)

// HandlePortForward forwards the port on the local router with UPnP, or clears the forward
// if fwd is false. It returns the node's external IP.
func HandlePortForward(port uint16, fwd bool) (string, bool, error) {
	d, err := upnp.Discover()
	if err != nil {
		return "", false, err
	}

	externalIP, err := d.ExternalIP()
	if err != nil {
		// the router may not report it
		consensus := externalip.DefaultConsensus(nil, nil)
		ip, err := consensus.ExternalIP()
		if err != nil {
			return "", false, err
		}
		externalIP = ip.String()
	}

	if fwd {
		if err := d.Forward(port, Protocol); err != nil {
			return "", false, err
		}
	} else {
		if err := d.Clear(port); err != nil {
			return "", false, err
		}
	}
	return externalIP, true, nil
}
