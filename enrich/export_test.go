package enrich

var WithClock = withClock
