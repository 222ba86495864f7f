package gateway

// Script blobs deployed to agents. The server treats them as opaque data
// keyed by platform; the agent runtime executes them and posts the
// resulting payload objects back as telemetry. A platform without a blob of
// its own gets the linux blob (see ScriptFor); where that blob fails on the
// agent, the agent reports action failures, which the core records and
// proceeds past.

// ScriptSet maps platform tag → script blob.
type ScriptSet map[string]string

// MonitorSpec describes one monitor the supervisor deploys everywhere.
type MonitorSpec struct {
	MonitorID string
	Scripts   ScriptSet
}

// ActionSpec describes one action the supervisor deploys everywhere.
type ActionSpec struct {
	ActionID string
	Scripts  ScriptSet
}

// ScriptFor picks the blob for a platform, falling back to the linux blob
// when a platform-specific one is missing (best-effort probes).
func (s ScriptSet) ScriptFor(platform string) string {
	if blob, ok := s[platform]; ok {
		return blob
	}
	return s["linux"]
}

// Monitors returns the two monitors the core requires on every agent.
func Monitors() []MonitorSpec {
	return []MonitorSpec{
		{MonitorID: "session", Scripts: sessionScripts},
		{MonitorID: "process", Scripts: processScripts},
	}
}

// Actions returns the four actions the core requires on every agent.
func Actions() []ActionSpec {
	return []ActionSpec{
		{ActionID: "warn", Scripts: warnScripts},
		{ActionID: "kill", Scripts: killScripts},
		{ActionID: "lock", Scripts: lockScripts},
		{ActionID: "logout", Scripts: logoutScripts},
	}
}

var sessionScripts = ScriptSet{
	"win32": `powershell -NoProfile -Command "$u=(Get-CimInstance Win32_ComputerSystem).UserName; $i=[Win32.IdleTimer]::GetIdleMillis(); @{timestamp=[DateTimeOffset]::Now.ToUnixTimeMilliseconds();hostname=$env:COMPUTERNAME;platform='win32';username=($u -split '\\')[-1];sessionId=(Get-Process -Id $PID).SessionId;idleTime=$i;isIdle=($i -ge 300000)} | ConvertTo-Json -Compress"`,
	"darwin": `/bin/sh -c 'u=$(stat -f%Su /dev/console); i=$(ioreg -c IOHIDSystem | awk "/HIDIdleTime/ {print int(\$NF/1000000); exit}"); printf "{\"timestamp\":%s,\"hostname\":\"%s\",\"platform\":\"darwin\",\"username\":\"%s\",\"idleTime\":%s,\"isIdle\":%s}" "$(($(date +%s)*1000))" "$(hostname)" "$u" "$i" "$([ $i -ge 300000 ] && echo true || echo false)"'`,
	"linux":  `/bin/sh -c 'u=$(who | awk "NR==1{print \$1}"); i=$( (command -v xprintidle >/dev/null && xprintidle) || echo 0); printf "{\"timestamp\":%s,\"hostname\":\"%s\",\"platform\":\"linux\",\"username\":\"%s\",\"idleTime\":%s,\"isIdle\":%s}" "$(($(date +%s)*1000))" "$(hostname)" "$u" "$i" "$([ $i -ge 300000 ] && echo true || echo false)"'`,
}

var processScripts = ScriptSet{
	"win32": `powershell -NoProfile -Command "$p=Get-Process | Select-Object Id,ProcessName; @{timestamp=[DateTimeOffset]::Now.ToUnixTimeMilliseconds();hostname=$env:COMPUTERNAME;platform='win32';processCount=$p.Count;processes=@($p | ForEach-Object {@{pid=$_.Id;name=$_.ProcessName}})} | ConvertTo-Json -Compress -Depth 4"`,
	"darwin": `/bin/sh -c 'ps -axo pid=,comm= | awk "BEGIN{printf \"{\\\"timestamp\\\":%s,\\\"platform\\\":\\\"darwin\\\",\\\"processes\\\":[\", systime()*1000} {gsub(/.*\\//,\"\",\$2); printf \"%s{\\\"pid\\\":%s,\\\"name\\\":\\\"%s\\\"}\", (NR>1?\",\":\"\"), \$1, \$2} END{print \"]}\"}"'`,
	"linux":  `/bin/sh -c 'ps -eo pid=,comm= | awk "BEGIN{printf \"{\\\"timestamp\\\":%s,\\\"platform\\\":\\\"linux\\\",\\\"processes\\\":[\", systime()*1000} {printf \"%s{\\\"pid\\\":%s,\\\"name\\\":\\\"%s\\\"}\", (NR>1?\",\":\"\"), \$1, \$2} END{print \"]}\"}"'`,
}

var warnScripts = ScriptSet{
	"win32": `powershell -NoProfile -Command "param($title,$message,$urgency) msg * /TIME:30 \"$title` + "`" + `n$message\"; @{success=$true;method='msg';timestamp=[DateTimeOffset]::Now.ToUnixTimeMilliseconds();platform='win32'} | ConvertTo-Json -Compress"`,
	"darwin": `/bin/sh -c 'osascript -e "display notification \"$MESSAGE\" with title \"$TITLE\"" && echo "{\"success\":true,\"method\":\"osascript\",\"platform\":\"darwin\"}" || echo "{\"success\":false,\"error\":\"osascript failed\",\"platform\":\"darwin\"}"'`,
	"linux":  `/bin/sh -c 'notify-send -u "${URGENCY:-normal}" "$TITLE" "$MESSAGE" && echo "{\"success\":true,\"method\":\"notify-send\",\"platform\":\"linux\"}" || echo "{\"success\":false,\"error\":\"notify-send failed\",\"platform\":\"linux\"}"'`,
}

var killScripts = ScriptSet{
	"win32":  `powershell -NoProfile -Command "param($pid) Stop-Process -Id $pid -Force -ErrorAction SilentlyContinue; @{success=$?;method='stop-process';pid=$pid;platform='win32'} | ConvertTo-Json -Compress"`,
	"darwin": `/bin/sh -c 'kill -9 "$PID" && echo "{\"success\":true,\"method\":\"kill\",\"pid\":$PID,\"platform\":\"darwin\"}" || echo "{\"success\":false,\"error\":\"kill failed\",\"pid\":$PID,\"platform\":\"darwin\"}"'`,
	"linux":  `/bin/sh -c 'kill -9 "$PID" && echo "{\"success\":true,\"method\":\"kill\",\"pid\":$PID,\"platform\":\"linux\"}" || echo "{\"success\":false,\"error\":\"kill failed\",\"pid\":$PID,\"platform\":\"linux\"}"'`,
}

var lockScripts = ScriptSet{
	"win32":  `rundll32.exe user32.dll,LockWorkStation`,
	"darwin": `/bin/sh -c 'pmset displaysleepnow && echo "{\"success\":true,\"method\":\"pmset\",\"platform\":\"darwin\"}"'`,
	"linux":  `/bin/sh -c 'loginctl lock-session && echo "{\"success\":true,\"method\":\"loginctl\",\"platform\":\"linux\"}" || (xdg-screensaver lock && echo "{\"success\":true,\"method\":\"xdg-screensaver\",\"platform\":\"linux\"}")'`,
}

var logoutScripts = ScriptSet{
	"win32":  `shutdown /l /f`,
	"darwin": `/bin/sh -c 'osascript -e "tell application \"System Events\" to log out" && echo "{\"success\":true,\"method\":\"osascript\",\"platform\":\"darwin\"}"'`,
	"linux":  `/bin/sh -c 'loginctl terminate-user "$USERNAME" && echo "{\"success\":true,\"method\":\"loginctl\",\"platform\":\"linux\"}" || echo "{\"success\":false,\"error\":\"loginctl failed\",\"platform\":\"linux\"}"'`,
}
